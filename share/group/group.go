// Package group manages group membership and group shares.
package group

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/haiwen/seafevents/option"
)

// Group is a row of the ccnet group table.
type Group struct {
	ID            int    `db:"group_id"`
	GroupName     string `db:"group_name"`
	CreatorName   string `db:"creator_name"`
	Timestamp     int64  `db:"timestamp"`
	ParentGroupID int    `db:"parent_group_id"`
}

var ccnetDB *sqlx.DB
var seafileDB *sqlx.DB
var tableName string

// Init ccnet db and seafile db
func Init(cnDB *sqlx.DB, seafDB *sqlx.DB, tbName string) {
	ccnetDB = cnDB
	seafileDB = seafDB
	tableName = tbName
}

// GetGroupsByUser returns the groups the user is a member of.
func GetGroupsByUser(userName string) ([]Group, error) {
	sqlStr := fmt.Sprintf("SELECT g.group_id, group_name, creator_name, timestamp, parent_group_id FROM "+
		"`%s` g, GroupUser u WHERE g.group_id = u.group_id AND user_name=? ORDER BY g.group_id DESC",
		tableName)

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	var groups []Group
	if err := ccnetDB.SelectContext(ctx, &groups, sqlStr, userName); err != nil {
		return nil, err
	}
	return groups, nil
}

// GetGroupMembers returns the distinct members of the groups.
func GetGroupMembers(groupIDs []int) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT DISTINCT user_name FROM GroupUser WHERE group_id IN (?)", groupIDs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	var members []string
	if err := ccnetDB.SelectContext(ctx, &members, ccnetDB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return members, nil
}

// GetRepoGroupIDs returns the groups a repo is shared to.
// Org repos (orgID > 0) are looked up in OrgGroupRepo.
func GetRepoGroupIDs(repoID string, orgID int) ([]int, error) {
	var sqlStr string
	var args []interface{}
	if orgID > 0 {
		sqlStr = "SELECT group_id FROM OrgGroupRepo WHERE org_id=? AND repo_id=?"
		args = []interface{}{orgID, repoID}
	} else {
		sqlStr = "SELECT group_id FROM RepoGroup WHERE repo_id=?"
		args = []interface{}{repoID}
	}

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	var ids []int
	if err := seafileDB.SelectContext(ctx, &ids, sqlStr, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// CheckGroupPermissionByUser get group repo permission by user.
// "rw" wins over "r" when the repo is shared to several of the user's groups.
func CheckGroupPermissionByUser(repoID string, userName string) (string, error) {
	groups, err := GetGroupsByUser(userName)
	if err != nil {
		return "", err
	}
	if len(groups) == 0 {
		return "", nil
	}

	ids := make([]int, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	query, args, err := sqlx.In("SELECT permission FROM RepoGroup WHERE repo_id = ? AND group_id IN (?) "+
		"UNION ALL SELECT permission FROM OrgGroupRepo WHERE repo_id = ? AND group_id IN (?)",
		repoID, ids, repoID, ids)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	var perms []string
	if err := seafileDB.SelectContext(ctx, &perms, seafileDB.Rebind(query), args...); err != nil {
		return "", err
	}

	var origPerm string
	for _, perm := range perms {
		if perm == "rw" {
			origPerm = perm
		} else if perm == "r" && origPerm == "" {
			origPerm = perm
		}
	}
	return origPerm, nil
}
