package docstore

import "errors"

// Frame is one JSON message of the hub protocol. Requests carry ID and Op;
// responses echo ID; watch events carry Watch and Doc.
type frame struct {
	ID    uint64 `json:"id,omitempty"`
	Op    string `json:"op,omitempty"`
	Path  string `json:"path,omitempty"`
	Data  Fields `json:"data,omitempty"`
	Watch uint64 `json:"watch,omitempty"`

	Code  string     `json:"code,omitempty"`
	Error string     `json:"error,omitempty"`
	Doc   *Document  `json:"doc,omitempty"`
	Docs  []Document `json:"docs,omitempty"`
	DocID string     `json:"doc_id,omitempty"`
	Reply bool       `json:"reply,omitempty"`
}

const (
	opGet       = "get"
	opCreate    = "create"
	opSet       = "set"
	opUpdate    = "update"
	opDelete    = "delete"
	opAdd       = "add"
	opList      = "list"
	opWatchDoc  = "watch_doc"
	opWatchColl = "watch_collection"
	opUnwatch   = "unwatch"
)

const (
	codeNotFound = "not_found"
	codeExists   = "exists"
	codeInternal = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return codeNotFound
	case errors.Is(err, ErrExists):
		return codeExists
	default:
		return codeInternal
	}
}

func codeError(code, msg string) error {
	switch code {
	case "":
		return nil
	case codeNotFound:
		return ErrNotFound
	case codeExists:
		return ErrExists
	default:
		return errors.New("docstore: hub: " + msg)
	}
}
