package events

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/utils"
)

const collabTimeout = 30 * time.Second

// CollabNotifier tells the collaboration server that a repo changed.
// Requests are sent in the background and never retried.
type CollabNotifier struct {
	serverURL string
	key       string
	client    *http.Client
	wg        sync.WaitGroup
}

// NewCollabNotifier creates a notifier for the server at serverURL.
func NewCollabNotifier(serverURL, key string) *CollabNotifier {
	n := new(CollabNotifier)
	n.serverURL = strings.TrimRight(serverURL, "/")
	n.key = key
	n.client = &http.Client{Timeout: collabTimeout}
	return n
}

// Notify posts the repo id without waiting for the response.
func (n *CollabNotifier) Notify(repoID string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), collabTimeout)
		defer cancel()

		form := url.Values{}
		form.Set("repo_id", repoID)
		form.Set("key", n.key)
		header := map[string][]string{"Content-Type": {"application/x-www-form-urlencoded"}}
		status, msg, err := utils.HttpCommonWithContext(ctx, n.client, "POST", n.serverURL+"/api/repo-update", header, strings.NewReader(form.Encode()))
		if err != nil {
			log.Warnf("Failed to notify collab server of repo %s: %d %s: %v", repoID, status, msg, err)
		}
	}()
}

// Wait blocks until all sent notifications have finished.
func (n *CollabNotifier) Wait() {
	n.wg.Wait()
}
