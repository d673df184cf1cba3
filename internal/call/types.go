package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/media"
	"github.com/petervdpas/duocall/internal/peer"
	"github.com/petervdpas/duocall/internal/signaling"
)

// Signaler is the surface the controller needs from the shared store.
// *signaling.Channel satisfies it.
type Signaler interface {
	PublishOffer(ctx context.Context, rec signaling.CallRecord) error
	PublishAnswer(ctx context.Context, callID string, answer *signaling.Description) error
	FetchCall(ctx context.Context, callID string) (signaling.CallRecord, error)
	UpdateMode(ctx context.Context, callID string, isVideo bool) error
	RelayCandidate(ctx context.Context, callID string, origin signaling.Origin, c webrtc.ICECandidateInit) error
	Teardown(ctx context.Context, callID string) error

	WatchForAnswer(ctx context.Context, calleeID string) (<-chan signaling.AnswerEvent, func(), error)
	WatchIncomingCalls(ctx context.Context, selfID string) (<-chan signaling.IncomingEvent, func(), error)
	WatchCandidates(ctx context.Context, callID string, origin signaling.Origin) (<-chan signaling.CandidateRecord, func(), error)
}

// Peer is one negotiated connection. *peer.Session satisfies it.
type Peer interface {
	CreateOffer(ctx context.Context, mode media.Mode, local *media.Stream) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription, mode media.Mode, local *media.Stream) (webrtc.SessionDescription, error)
	ApplyRemoteAnswer(answer webrtc.SessionDescription) (bool, error)
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	AddOrReplaceVideoTrack(t *media.Track) (bool, error)
	RemoteStream() *media.RemoteStream
	Close() error
}

// PeerFactory creates the connection for one call. id labels log lines.
type PeerFactory func(id string, h peer.Handlers) (Peer, error)

// Acquirer opens local media. *media.Acquirer satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, mode media.Mode, q media.Quality) (media.Result, error)
	AcquireVideo(ctx context.Context, q media.Quality) (*media.Track, error)
}

// Recorder receives a summary of every finished call, e.g. to post it to
// the chat thread with the peer.
type Recorder interface {
	RecordCall(ctx context.Context, e HistoryEntry) error
}

// Phase of the controller.
type Phase string

const (
	Idle       Phase = "idle"
	Ringing    Phase = "ringing"
	Connecting Phase = "connecting"
	Active     Phase = "active"
	Ending     Phase = "ending"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// IncomingCall describes a ringing call for the UI.
type IncomingCall struct {
	ID         string `json:"id"`
	CallerID   string `json:"caller_id"`
	CallerName string `json:"caller_name"`
	IsVideo    bool   `json:"is_video"`
}

// Snapshot is the session state exposed to the UI.
type Snapshot struct {
	Phase           Phase         `json:"phase"`
	Direction       Direction     `json:"direction,omitempty"`
	Mode            media.Mode    `json:"mode,omitempty"`
	AudioEnabled    bool          `json:"audio_enabled"`
	VideoEnabled    bool          `json:"video_enabled"`
	DurationSeconds int           `json:"duration_seconds"`
	Duration        string        `json:"duration"`
	RemotePeer      string        `json:"remote_peer,omitempty"`
	RemoteName      string        `json:"remote_name,omitempty"`
	RemoteTracks    int           `json:"remote_tracks"`
	Downgraded      bool          `json:"downgraded,omitempty"`
	Incoming        *IncomingCall `json:"incoming,omitempty"`
}
