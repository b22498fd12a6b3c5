// Package metadata keeps the metadata server's file table in step with repo changes.
package metadata

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/haiwen/seafevents/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// The file table and its columns.
const (
	TableID   = "0001"
	TableName = "metadata"

	ColumnID        = "_id"
	ColumnParentDir = "_parent_dir"
	ColumnName      = "_name"
	ColumnIsDir     = "_is_dir"
	ColumnModifier  = "_file_modifier"
	ColumnMtime     = "_file_mtime"
	ColumnObjID     = "_obj_id"
	ColumnSize      = "_size"
)

// opLimit is the number of rows sent in one request.
const opLimit = 1000

const tokenExpiry = 5 * time.Minute

// Row is one row of the file table.
type Row map[string]interface{}

// ID returns the row id.
func (r Row) ID() string {
	s, _ := r[ColumnID].(string)
	return s
}

// String returns a string column.
func (r Row) String(col string) string {
	s, _ := r[col].(string)
	return s
}

type queryRequest struct {
	SQL    string        `json:"sql"`
	Params []interface{} `json:"params"`
}

type queryResponse struct {
	Results []Row `json:"results"`
}

type rowsRequest struct {
	TableID string   `json:"table_id"`
	Rows    []Row    `json:"rows,omitempty"`
	Updates []Row    `json:"updates,omitempty"`
	RowIDs  []string `json:"row_ids,omitempty"`
}

// Client talks to the metadata server.
type Client struct {
	serverURL string
	secret    string
	client    *http.Client
}

// NewClient creates a client. Requests time out after timeout.
func NewClient(serverURL, secret string, timeout time.Duration) *Client {
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		secret:    secret,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, repoID, endpoint string, body interface{}) ([]byte, error) {
	token, err := utils.GenRepoJWTToken(repoID, "", c.secret, time.Now().Add(tokenExpiry))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	header := map[string][]string{
		"Authorization": {"Bearer " + token},
	}
	url := fmt.Sprintf("%s/api/v1/base/%s/%s", c.serverURL, repoID, endpoint)
	_, rsp, err := utils.HttpCommonWithContext(ctx, c.client, method, url, header, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, rsp)
	}
	return rsp, nil
}

// Query runs a select on the file table of repoID.
func (c *Client) Query(ctx context.Context, repoID, sql string, params ...interface{}) ([]Row, error) {
	if params == nil {
		params = []interface{}{}
	}
	rsp, err := c.do(ctx, http.MethodPost, repoID, "query", &queryRequest{SQL: sql, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata of repo %s: %w", repoID, err)
	}
	result := new(queryResponse)
	if err := json.Unmarshal(rsp, result); err != nil {
		return nil, fmt.Errorf("failed to parse metadata query result: %w", err)
	}
	return result.Results, nil
}

// InsertRows adds rows to the file table.
func (c *Client) InsertRows(ctx context.Context, repoID string, rows []Row) error {
	for len(rows) > 0 {
		n := min(len(rows), opLimit)
		if _, err := c.do(ctx, http.MethodPost, repoID, "rows", &rowsRequest{TableID: TableID, Rows: rows[:n]}); err != nil {
			return fmt.Errorf("failed to insert metadata rows of repo %s: %w", repoID, err)
		}
		rows = rows[n:]
	}
	return nil
}

// UpdateRows updates rows by their _id column.
func (c *Client) UpdateRows(ctx context.Context, repoID string, updates []Row) error {
	for len(updates) > 0 {
		n := min(len(updates), opLimit)
		if _, err := c.do(ctx, http.MethodPut, repoID, "rows", &rowsRequest{TableID: TableID, Updates: updates[:n]}); err != nil {
			return fmt.Errorf("failed to update metadata rows of repo %s: %w", repoID, err)
		}
		updates = updates[n:]
	}
	return nil
}

// DeleteRows deletes rows by id.
func (c *Client) DeleteRows(ctx context.Context, repoID string, ids []string) error {
	for len(ids) > 0 {
		n := min(len(ids), opLimit)
		if _, err := c.do(ctx, http.MethodDelete, repoID, "rows", &rowsRequest{TableID: TableID, RowIDs: ids[:n]}); err != nil {
			return fmt.Errorf("failed to delete metadata rows of repo %s: %w", repoID, err)
		}
		ids = ids[n:]
	}
	return nil
}
