package hub

import (
	"encoding/json"

	"couchsync/internal/auth"
	"couchsync/internal/state"
)

// inboundMessage is the union of every frame a client may send. Type selects
// which fields are meaningful.
type inboundMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
	Name     string `json:"name,omitempty"`

	Time  *float64 `json:"time,omitempty"`
	Video string   `json:"video,omitempty"`

	ClientTime   *float64 `json:"clientTime,omitempty"`
	PlaybackRate *float64 `json:"playbackRate,omitempty"`
	IsPlaying    *bool    `json:"isPlaying,omitempty"`
}

type authSuccessMessage struct {
	Type  string    `json:"type"`
	Role  auth.Role `json:"role"`
	Name  string    `json:"name"`
	Token string    `json:"token"`
}

type authFailMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type syncStateMessage struct {
	Type         string  `json:"type"`
	CurrentVideo string  `json:"currentVideo"`
	TargetTime   float64 `json:"targetTime"`
	IsPlaying    bool    `json:"isPlaying"`
	PlaybackRate float64 `json:"playbackRate"`
}

type videoListMessage struct {
	Type   string   `json:"type"`
	Videos []string `json:"videos"`
}

type viewerEntry struct {
	Role         auth.Role `json:"role"`
	Name         string    `json:"name"`
	IP           string    `json:"ip"`
	CurrentTime  float64   `json:"currentTime"`
	Drift        float64   `json:"drift"`
	IsPlaying    bool      `json:"isPlaying"`
	PlaybackRate float64   `json:"playbackRate"`
}

type viewerListMessage struct {
	Type    string        `json:"type"`
	Viewers []viewerEntry `json:"viewers"`
	Count   int           `json:"count"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func marshalAuthSuccess(role auth.Role, name, token string) []byte {
	payload, _ := json.Marshal(authSuccessMessage{Type: "auth_success", Role: role, Name: name, Token: token})
	return payload
}

func marshalAuthFail(message string) []byte {
	payload, _ := json.Marshal(authFailMessage{Type: "auth_fail", Message: message})
	return payload
}

func marshalSyncState(snap state.Snapshot) []byte {
	payload, _ := json.Marshal(syncStateMessage{
		Type:         "syncState",
		CurrentVideo: snap.Video,
		TargetTime:   snap.Time,
		IsPlaying:    snap.Playing,
		PlaybackRate: snap.Rate,
	})
	return payload
}

func marshalVideoList(ids []string) []byte {
	if ids == nil {
		ids = []string{}
	}
	payload, _ := json.Marshal(videoListMessage{Type: "videoList", Videos: ids})
	return payload
}

func marshalViewerList(table []state.ViewerInfo) []byte {
	viewers := make([]viewerEntry, 0, len(table))
	for _, info := range table {
		viewers = append(viewers, viewerEntry{
			Role:         info.Role,
			Name:         info.Name,
			IP:           info.Addr,
			CurrentTime:  info.CurrentTime,
			Drift:        info.Drift,
			IsPlaying:    info.Playing,
			PlaybackRate: info.Rate,
		})
	}
	payload, _ := json.Marshal(viewerListMessage{Type: "viewerList", Viewers: viewers, Count: len(viewers)})
	return payload
}

func marshalError(message string) []byte {
	payload, _ := json.Marshal(errorMessage{Type: "error", Message: message})
	return payload
}
