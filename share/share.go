// Package share manages share relations.
// share: finds the users related to a repo and provides high level permission check functions.
package share

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/option"
	"github.com/haiwen/seafevents/repomgr"
	"github.com/haiwen/seafevents/share/group"
)

var seafileDB *sqlx.DB

// Init seafileDB and the group package.
func Init(cnDB *sqlx.DB, seafDB *sqlx.DB, grpTableName string) {
	seafileDB = seafDB
	group.Init(cnDB, seafDB, grpTableName)
}

// RelatedUsers returns the owner of the repo plus every user it is shared to,
// directly or through a group. Org repos use the org share tables.
func RelatedUsers(repoID string) ([]string, error) {
	orgID, err := repomgr.GetRepoOrgID(repoID)
	if err != nil {
		return nil, err
	}
	owner, err := repomgr.GetRepoOwner(repoID)
	if err != nil {
		return nil, err
	}

	users := make(map[string]struct{})
	if owner != "" {
		users[owner] = struct{}{}
	}

	shared, err := getSharedUsers(repoID, orgID)
	if err != nil {
		return nil, err
	}
	for _, u := range shared {
		users[u] = struct{}{}
	}

	groupIDs, err := group.GetRepoGroupIDs(repoID, orgID)
	if err != nil {
		return nil, err
	}
	members, err := group.GetGroupMembers(groupIDs)
	if err != nil {
		return nil, err
	}
	for _, u := range members {
		users[u] = struct{}{}
	}

	ret := make([]string, 0, len(users))
	for u := range users {
		ret = append(ret, u)
	}
	sort.Strings(ret)
	return ret, nil
}

func getSharedUsers(repoID string, orgID int) ([]string, error) {
	var sqlStr string
	var args []interface{}
	if orgID > 0 {
		sqlStr = "SELECT to_email FROM OrgSharedRepo WHERE org_id=? AND repo_id=?"
		args = []interface{}{orgID, repoID}
	} else {
		sqlStr = "SELECT to_email FROM SharedRepo WHERE repo_id=?"
		args = []interface{}{repoID}
	}

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	var users []string
	if err := seafileDB.SelectContext(ctx, &users, sqlStr, args...); err != nil {
		return nil, err
	}
	return users, nil
}

// CheckPerm get user's repo permission, "rw", "r" or "" for no access.
func CheckPerm(repoID string, user string) string {
	var perm string
	vInfo, err := repomgr.GetVirtualRepoInfo(repoID)
	if err != nil {
		log.Warnf("Failed to get virtual repo info by repo id %s: %v", repoID, err)
	}
	if vInfo != nil {
		perm = checkVirtualRepoPerm(repoID, vInfo.OriginRepoID, user, vInfo.Path)
		return perm
	}

	perm = checkRepoSharePerm(repoID, user)

	return perm
}

func checkVirtualRepoPerm(repoID, originRepoID, user, vPath string) string {
	owner := getRepoOwner(repoID)
	var perm string
	if owner != "" && owner == user {
		perm = "rw"
		return perm
	}
	perm = checkPermOnParentRepo(originRepoID, user, vPath)
	if perm != "" {
		return perm
	}
	perm = checkRepoSharePerm(repoID, user)
	return perm
}

func checkSharedRepoPerm(repoID string, email string) string {
	sqlStr := "SELECT permission FROM SharedRepo WHERE repo_id=? AND to_email=? " +
		"UNION ALL SELECT permission FROM OrgSharedRepo WHERE repo_id=? AND to_email=?"

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	var perms []string
	if err := seafileDB.SelectContext(ctx, &perms, sqlStr, repoID, email, repoID, email); err != nil {
		log.Warnf("Failed to check shared repo permission: %v", err)
		return ""
	}
	if len(perms) == 0 {
		return ""
	}
	return perms[0]
}

func checkRepoSharePerm(repoID string, userName string) string {
	var perm string
	owner := getRepoOwner(repoID)
	if owner != "" && owner == userName {
		perm = "rw"
		return perm
	}
	perm = checkSharedRepoPerm(repoID, userName)
	if perm != "" {
		return perm
	}
	perm, err := group.CheckGroupPermissionByUser(repoID, userName)
	if err != nil {
		log.Warnf("Failed to get group permission by user %s: %v", userName, err)
		return ""
	}
	return perm
}

func getRepoOwner(repoID string) string {
	owner, err := repomgr.GetRepoOwner(repoID)
	if err != nil {
		log.Warnf("Failed to get repo owner: %v", err)
		return ""
	}
	return strings.ToLower(owner)
}

func getSharedDirsToUser(originRepoID string, toEmail string) map[string]string {
	dirs := make(map[string]string)
	sqlStr := "SELECT v.path, s.permission FROM SharedRepo s, VirtualRepo v WHERE " +
		"s.repo_id = v.repo_id AND s.to_email = ? AND v.origin_repo = ?"

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	rows, err := seafileDB.QueryContext(ctx, sqlStr, toEmail, originRepoID)
	if err != nil {
		log.Warnf("Failed to get shared directories by user %s: %v", toEmail, err)
		return nil
	}

	defer rows.Close()

	var path string
	var perm string
	for rows.Next() {
		if err := rows.Scan(&path, &perm); err != nil {
			log.Warnf("Failed to get shared directories by user %s: %v", toEmail, err)
			continue
		}
		dirs[path] = perm
	}
	if err := rows.Err(); err != nil {
		log.Warnf("Failed to get shared directories by user %s: %v", toEmail, err)
		return nil
	}

	return dirs
}

func getDirPerm(perms map[string]string, path string) string {
	tmp := path
	for tmp != "" && tmp != "." {
		if perm, exists := perms[tmp]; exists {
			return perm
		}
		if tmp == "/" {
			break
		}
		tmp = filepath.Dir(tmp)
	}
	return ""
}

func getSharedDirsToGroup(originRepoID string, groups []group.Group) map[string]string {
	dirs := make(map[string]string)
	ids := make([]int, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}

	query, args, err := sqlx.In("SELECT v.path, s.permission "+
		"FROM RepoGroup s, VirtualRepo v WHERE "+
		"s.repo_id = v.repo_id AND v.origin_repo = ? "+
		"AND s.group_id IN (?)", originRepoID, ids)
	if err != nil {
		log.Warnf("Failed to get shared directories: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	rows, err := seafileDB.QueryContext(ctx, seafileDB.Rebind(query), args...)
	if err != nil {
		log.Warnf("Failed to get shared directories: %v", err)
		return nil
	}

	defer rows.Close()

	var path string
	var perm string
	for rows.Next() {
		if err := rows.Scan(&path, &perm); err != nil {
			log.Warnf("Failed to get shared directories: %v", err)
			continue
		}
		dirs[path] = perm
	}

	if err := rows.Err(); err != nil {
		log.Warnf("Failed to get shared directories: %v", err)
		return nil
	}

	return dirs
}

func checkPermOnParentRepo(originRepoID, user, vPath string) string {
	var perm string
	userPerms := getSharedDirsToUser(originRepoID, user)
	if len(userPerms) != 0 {
		perm = getDirPerm(userPerms, vPath)
		if perm != "" {
			return perm
		}
	}

	groups, err := group.GetGroupsByUser(user)
	if err != nil {
		log.Warnf("Failed to get groups by user %s: %v", user, err)
	}
	if len(groups) == 0 {
		return perm
	}

	groupPerms := getSharedDirsToGroup(originRepoID, groups)
	if len(groupPerms) == 0 {
		return perm
	}

	perm = getDirPerm(groupPerms, vPath)

	return perm
}
