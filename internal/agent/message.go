package agent

import (
	"path/filepath"
	"strings"
)

// AttachmentKind classifies an inbound attachment.
type AttachmentKind int

const (
	// AttachmentDocument is converted to text and appended to the turn.
	AttachmentDocument AttachmentKind = iota
	// AttachmentImage is passed to the model as an image.
	AttachmentImage
	// AttachmentVoice is transcribed and used as the turn text.
	AttachmentVoice
)

// Attachment is a file the transport has already downloaded.
type Attachment struct {
	Kind     AttachmentKind
	Path     string
	Name     string
	MIMEType string
}

// imageMIMETypes maps image extensions to their MIME types.
var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// ClassifyFile guesses the kind and MIME type of a downloaded file from
// its name. Transports that know better set the fields themselves.
func ClassifyFile(name string) (AttachmentKind, string) {
	ext := strings.ToLower(filepath.Ext(name))
	if mt, ok := imageMIMETypes[ext]; ok {
		return AttachmentImage, mt
	}
	switch ext {
	case ".ogg", ".oga", ".mp3", ".m4a", ".wav", ".flac", ".opus":
		return AttachmentVoice, "audio/" + strings.TrimPrefix(ext, ".")
	}
	return AttachmentDocument, ""
}

// Inbound is one message from a transport.
type Inbound struct {
	UserID       int64
	DisplayName  string
	Username     string
	LanguageCode string
	Text         string
	Attachments  []Attachment
}

// Stage identifies a step of a default-mode turn.
type Stage int

const (
	StageSelecting Stage = iota
	StageRunning
	StageAnswering
)

func (s Stage) String() string {
	switch s {
	case StageSelecting:
		return "selecting tools"
	case StageRunning:
		return "running tools"
	case StageAnswering:
		return "answering"
	default:
		return "unknown"
	}
}

// Progress reports a stage change. Tools is set for StageRunning when
// the user has not turned tool names off.
type Progress struct {
	Stage Stage
	Tools []string
}

// ProgressFunc receives stage changes. It is called from the turn's
// goroutine and must not block for long.
type ProgressFunc func(Progress)

// Reply is the outcome of a turn.
type Reply struct {
	Text    string
	Files   []string
	Actions []Action
	// Hash identifies the stored answer for later actions.
	Hash      string
	ToolsUsed []string
	// Mode is the mode the turn ran in.
	Mode string
	// Busy is set when the message was rejected because an earlier
	// turn is still running.
	Busy bool
}

// StillWorking is the reply text for a message that arrives while the
// previous turn is running.
const StillWorking = "I'm still working on your previous message. If it seems stuck, send /cancel and wait 10 seconds."
