// Package events turns queue messages into database records.
package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/db"
	"github.com/haiwen/seafevents/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDuplicateHandler is returned when an event type already has a handler.
var ErrDuplicateHandler = errors.New("handler already registered")

const maxLoggedBody = 256

// Message is one decoded queue message.
type Message struct {
	Channel string
	// Type is "<channel>:<msg_type>", e.g. "seaf_server.event:repo-update".
	Type   string
	Body   []byte
	fields map[string]interface{}
}

// Get returns a field as a string. Numbers are formatted without exponent.
func (m *Message) Get(key string) string {
	v, ok := m.fields[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// GetInt64 returns a numeric field, or def if it is missing or malformed.
func (m *Message) GetInt64(key string, def int64) int64 {
	v, ok := m.fields[key]
	if !ok {
		return def
	}
	switch val := v.(type) {
	case float64:
		return int64(val)
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return def
		}
		return n
	}
	return def
}

// ParseMessage decodes a message received on channel.
// Legacy messages carry "repo-update\t<repo_id>\t<commit_id>" in the content field.
func ParseMessage(channel string, body []byte) (*Message, error) {
	msg := &Message{Channel: channel, Body: body}
	if err := json.Unmarshal(body, &msg.fields); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if content := msg.Get("content"); content != "" && msg.Get("msg_type") == "" && msg.Get("type") == "" {
		parts := strings.Split(content, "\t")
		if len(parts) >= 3 && parts[0] == "repo-update" {
			msg.fields["msg_type"] = parts[0]
			msg.fields["repo_id"] = parts[1]
			msg.fields["commit_id"] = parts[2]
		}
	}

	if t := msg.Get("type"); strings.Contains(t, ":") {
		msg.Type = t
	} else if mt := msg.Get("msg_type"); mt != "" {
		msg.Type = channel + ":" + mt
	} else if t != "" {
		msg.Type = channel + ":" + t
	} else {
		return nil, fmt.Errorf("message has no type")
	}
	return msg, nil
}

// Handler processes one message. Configuration is bound into the handler value.
type Handler func(ctx context.Context, dbs *db.Handles, msg *Message) error

// Dispatcher routes messages to handlers by type.
type Dispatcher struct {
	dbs      *db.Handles
	lock     sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher passing dbs to every handler.
func NewDispatcher(dbs *db.Handles) *Dispatcher {
	d := new(Dispatcher)
	d.dbs = dbs
	d.handlers = make(map[string]Handler)
	return d
}

// Register adds the handler for eventType.
func (d *Dispatcher) Register(eventType string, handler Handler) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.handlers[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, eventType)
	}
	d.handlers[eventType] = handler
	return nil
}

// MustRegister is Register for startup code. It panics on duplicates.
func (d *Dispatcher) MustRegister(eventType string, handler Handler) {
	if err := d.Register(eventType, handler); err != nil {
		panic(err)
	}
}

// Dispatch parses body and runs its handler. Errors and panics are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, channel string, body []byte) {
	msg, err := ParseMessage(channel, body)
	if err != nil {
		log.Warnf("Dropped message on %s: %v: %s", channel, err, truncate(body))
		return
	}

	d.lock.RLock()
	handler, ok := d.handlers[msg.Type]
	d.lock.RUnlock()
	if !ok {
		log.Debugf("No handler for event %s", msg.Type)
		return
	}

	metrics.Inc(metrics.EventsDispatched)
	if err := d.invoke(ctx, handler, msg); err != nil {
		metrics.Inc(metrics.EventsFailed)
		log.Errorf("Failed to handle event %s: %v: %s", msg.Type, err, truncate(body))
	}
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, d.dbs, msg)
}

func truncate(body []byte) string {
	if len(body) <= maxLoggedBody {
		return string(body)
	}
	return string(body[:maxLoggedBody]) + "..."
}
