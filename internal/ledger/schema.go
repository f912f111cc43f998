package ledger

import "fmt"

// Redis key pattern helpers
//
// Keys are namespaced by instance name so several herald deployments can
// share one Redis server.
//
// Key pattern: herald:{instance_name}:{entity}[:{id}]

// UserKey returns the Redis hash key for a user.
// Pattern: herald:{instance_name}:user:{user_id}
func UserKey(instanceName string, userID int64) string {
	return fmt.Sprintf("herald:%s:user:%d", instanceName, userID)
}

// CommentKey returns the Redis key holding a ledgered comment.
// Pattern: herald:{instance_name}:comment:{comment_id}
func CommentKey(instanceName string, commentID int64) string {
	return fmt.Sprintf("herald:%s:comment:%d", instanceName, commentID)
}

// PackagesKey returns the Redis hash of all package records, keyed by
// PackageField.
// Pattern: herald:{instance_name}:packages
func PackagesKey(instanceName string) string {
	return fmt.Sprintf("herald:%s:packages", instanceName)
}

// PackageField identifies one package version inside PackagesKey.
// Pattern: {group}/{name}@{version}
func PackageField(group, name, version string) string {
	return fmt.Sprintf("%s/%s@%s", group, name, version)
}
