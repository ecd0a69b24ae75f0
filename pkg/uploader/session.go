package uploader

import (
	"reflect"

	"github.com/google/uuid"
)

// Status 是上传状态机的状态。
//
//	NotStarted -> Uploading -> Success | Paused | Failed
//	Paused | Failed -> Uploading   (再次 Start)
//	任意状态 -> NotStarted          (Reset)
type Status int

const (
	StatusNotStarted Status = iota
	StatusUploading
	StatusPaused
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusUploading:
		return "UPLOADING"
	case StatusPaused:
		return "PAUSED"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// session 是一次上传的内存状态，只由 Uploader 持有和修改。
type session struct {
	id           string
	file         File
	contentID    string
	chunks       []Chunk
	progress     map[string]float64
	attempts     int
	deduplicated bool
	err          error
}

func newSession(f File) *session {
	return &session{
		id:       uuid.NewString(),
		file:     f,
		progress: make(map[string]float64),
	}
}

// sameFile 判断 f 是否就是本次会话正在上传的那个 File 值，只有这时才复用 ContentID。
// 同名同大小的不同文件内容可能不同，必须重新计算。
func (s *session) sameFile(f File) bool {
	if reflect.TypeOf(s.file) != reflect.TypeOf(f) || !reflect.TypeOf(f).Comparable() {
		return false
	}
	return s.file == f
}

// overall 是各分片百分比的算术平均值，不按分片大小加权。
// 最后一个分片通常更小，所以这只是一个近似值。
func (s *session) overall() float64 {
	if len(s.progress) == 0 {
		return 0
	}
	var sum float64
	for _, p := range s.progress {
		sum += p
	}
	return sum / float64(len(s.progress))
}

// Snapshot 是某一时刻上传状态的只读副本，交给订阅者。
type Snapshot struct {
	SessionID    string
	ContentID    string
	Status       Status
	Progress     map[string]float64
	Overall      float64
	Attempts     int
	Deduplicated bool
	Err          error
}

func (s *session) snapshot(status Status) Snapshot {
	progress := make(map[string]float64, len(s.progress))
	for k, v := range s.progress {
		progress[k] = v
	}
	return Snapshot{
		SessionID:    s.id,
		ContentID:    s.contentID,
		Status:       status,
		Progress:     progress,
		Overall:      s.overall(),
		Attempts:     s.attempts,
		Deduplicated: s.deduplicated,
		Err:          s.err,
	}
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}
