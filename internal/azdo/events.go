package azdo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Service hook event type markers.
const (
	EventTypePRComment      = "ms.vss-code.git-pullrequest-comment-event"
	EventTypePRUpdated      = "git.pullrequest.updated"
	EventTypeBuildComplete  = "build.complete"
	EventTypeBuildCompleted = "build.completed"
)

// PRCommentEvent is the service hook payload for a comment posted on a pull
// request thread.
type PRCommentEvent struct {
	EventType string            `json:"eventType"`
	Resource  PRCommentResource `json:"resource"`
}

// PRCommentResource carries the comment and the pull request it belongs to.
type PRCommentResource struct {
	Comment     Comment     `json:"comment"`
	PullRequest PullRequest `json:"pullRequest"`
}

// Comment is a single thread comment. The threads link is the only way the
// payload exposes which thread the comment lives in.
type Comment struct {
	Content   string       `json:"content"`
	IsDeleted bool         `json:"isDeleted"`
	Links     CommentLinks `json:"_links"`
}

// CommentLinks holds the hypermedia links attached to a comment.
type CommentLinks struct {
	Threads Link `json:"threads"`
}

// Link is a single hypermedia href.
type Link struct {
	Href string `json:"href"`
}

// PullRequest is the subset of pull request fields webhook payloads carry.
type PullRequest struct {
	PullRequestID int64  `json:"pullRequestId"`
	SourceRefName string `json:"sourceRefName"`
	TargetRefName string `json:"targetRefName"`
	Status        string `json:"status"`
}

// ErrNoThread reports a comment event whose thread link cannot be resolved
// to a numeric thread id.
var ErrNoThread = errors.New("azdo: comment event carries no parsable thread id")

// ThreadID extracts the thread id from the comment's threads link. The id
// is the last path segment of the href.
func (e PRCommentEvent) ThreadID() (int64, error) {
	href := strings.TrimRight(e.Resource.Comment.Links.Threads.Href, "/")
	idx := strings.LastIndexByte(href, '/')
	if idx < 0 || idx == len(href)-1 {
		return 0, ErrNoThread
	}
	id, err := strconv.ParseInt(href[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoThread, err)
	}
	return id, nil
}

// PRUpdatedEvent is the service hook payload for pull request updates. The
// same event type covers source pushes and status transitions; the resource
// status tells them apart.
type PRUpdatedEvent struct {
	EventType string      `json:"eventType"`
	Resource  PullRequest `json:"resource"`
}

// BuildCompletedEvent is the service hook payload for a finished pipeline
// run. Only the run id and result travel in the payload; everything else is
// fetched through the REST API.
type BuildCompletedEvent struct {
	EventType string        `json:"eventType"`
	Resource  BuildResource `json:"resource"`
}

// BuildResource identifies the finished run.
type BuildResource struct {
	ID     int64  `json:"id"`
	Result string `json:"result"`
}
