package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/haiwen/seafevents/db"
	"github.com/haiwen/seafevents/option"
)

// Audit event types
const (
	AuditFileDownloadWeb       = "file-download-web"
	AuditFileDownloadAPI       = "file-download-api"
	AuditFileDownloadShareLink = "file-download-share-link"
	AuditRepoDownloadSync      = "repo-download-sync"
	AuditRepoUploadSync        = "repo-upload-sync"
	AuditPermChange            = "perm-change"
)

// RegisterAuditHandlers adds the audit handlers for the seahub and seafile server channels.
func RegisterAuditHandlers(d *Dispatcher, seahubChannel, serverChannel string) error {
	for _, etype := range []string{AuditFileDownloadWeb, AuditFileDownloadAPI, AuditFileDownloadShareLink} {
		if err := d.Register(seahubChannel+":"+etype, handleFileAudit); err != nil {
			return err
		}
	}
	for _, etype := range []string{AuditRepoDownloadSync, AuditRepoUploadSync} {
		if err := d.Register(serverChannel+":"+etype, handleFileAudit); err != nil {
			return err
		}
	}
	return d.Register(seahubChannel+":"+AuditPermChange, handlePermAudit)
}

func eventTime(msg *Message) time.Time {
	if ts := msg.GetInt64("ctime", 0); ts > 0 {
		return time.Unix(ts, 0).UTC()
	}
	return time.Now().UTC()
}

func msgType(msg *Message) string {
	if mt := msg.Get("msg_type"); mt != "" {
		return mt
	}
	return msg.Type[strings.LastIndex(msg.Type, ":")+1:]
}

func handleFileAudit(ctx context.Context, dbs *db.Handles, msg *Message) error {
	repoID := msg.Get("repo_id")
	user := msg.Get("user")
	if user == "" {
		user = msg.Get("user_name")
	}
	if repoID == "" {
		return fmt.Errorf("no repo id")
	}
	if user == "" {
		user = "anonymous"
	}
	device := msg.Get("client_name")
	if device == "" {
		device = msg.Get("device")
	}
	filePath := msg.Get("file_path")
	if filePath == "" {
		filePath = "/"
	}

	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()
	_, err := dbs.Seahub.ExecContext(ctx, "INSERT INTO FileAudit (timestamp, etype, user, ip, device, org_id, repo_id, file_path) "+
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		eventTime(msg), msgType(msg), user, msg.Get("ip"), device, msg.GetInt64("org_id", -1), repoID, filePath)
	if err != nil {
		return fmt.Errorf("failed to save file audit of repo %s: %w", repoID, err)
	}
	return nil
}

func handlePermAudit(ctx context.Context, dbs *db.Handles, msg *Message) error {
	repoID := msg.Get("repo_id")
	if repoID == "" {
		return fmt.Errorf("no repo id")
	}
	etype := msg.Get("etype")
	if etype == "" {
		etype = AuditPermChange
	}
	filePath := msg.Get("file_path")
	if filePath == "" {
		filePath = "/"
	}

	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()
	_, err := dbs.Seahub.ExecContext(ctx, "INSERT INTO PermAudit (timestamp, etype, from_user, `to`, org_id, repo_id, file_path, permission) "+
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		eventTime(msg), etype, msg.Get("from_user"), msg.Get("to"), msg.GetInt64("org_id", -1), repoID, filePath, msg.Get("permission"))
	if err != nil {
		return fmt.Errorf("failed to save perm audit of repo %s: %w", repoID, err)
	}
	return nil
}

// FileUpdateAudit records every processed commit in FileUpdate.
type FileUpdateAudit struct {
	db *sqlx.DB
}

// NewFileUpdateAudit creates the trigger on the seahub database.
func NewFileUpdateAudit(d *sqlx.DB) *FileUpdateAudit {
	return &FileUpdateAudit{db: d}
}

func (a *FileUpdateAudit) Name() string {
	return "file update audit"
}

func (a *FileUpdateAudit) OnRepoUpdate(ctx context.Context, ev *RepoUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()
	_, err := a.db.ExecContext(ctx, "INSERT INTO FileUpdate (timestamp, user, org_id, repo_id, commit_id, file_oper) VALUES (?, ?, ?, ?, ?, ?)",
		ev.Time(), ev.OpUser(nil), ev.OrgID, ev.RepoID, ev.Commit.CommitID, ev.Commit.Desc)
	if err != nil {
		return fmt.Errorf("failed to save file update: %w", err)
	}
	return nil
}
