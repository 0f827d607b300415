package agent

import (
	"fmt"

	"github.com/guseggert/execbridge/bridge"
)

// Inbound message types (client->server).
const (
	msgRun        = "run"
	msgStop       = "stop"
	msgInstall    = "install"
	msgInstallAll = "install_all"
)

// Outbound message types (server->client). Line and partial types are the bridge.Kind names.
const (
	msgExit  = "exit"
	msgError = "error"
)

// inboundMessage is a client->server message.
// The first message on a connection starts the job; the only message accepted after that is "stop".
type inboundMessage struct {
	Type string `json:"type"`

	// run
	Cmd              string `json:"cmd,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`

	// install, install_all
	BaseDir    string `json:"base_dir,omitempty"`
	PkgType    string `json:"pkg_type,omitempty"`
	PkgName    string `json:"pkg_name,omitempty"`
	PkgVersion string `json:"pkg_version,omitempty"`
}

// outboundMessage is a server->client message.
// Exactly one "exit" message ends a stream, unless the job could not be started, in which case a single "error" message is sent instead.
type outboundMessage struct {
	Type string `json:"type"`

	// normal_line, normal_partial, error_line, error_partial
	Data string `json:"data,omitempty"`

	// exit
	Code         *int   `json:"code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// error
	Msg string `json:"msg,omitempty"`
}

func eventMessage(e bridge.Event) outboundMessage {
	if e.Terminal() {
		code := e.Code
		return outboundMessage{Type: msgExit, Code: &code, ErrorMessage: e.Message}
	}
	return outboundMessage{Type: e.Kind.String(), Data: e.Text}
}

var eventKinds = map[string]bridge.Kind{
	bridge.KindNormalLine.String():    bridge.KindNormalLine,
	bridge.KindNormalPartial.String(): bridge.KindNormalPartial,
	bridge.KindErrorLine.String():     bridge.KindErrorLine,
	bridge.KindErrorPartial.String():  bridge.KindErrorPartial,
}

func (m outboundMessage) event() (bridge.Event, error) {
	if m.Type == msgExit {
		if m.Code == nil {
			return bridge.Event{}, fmt.Errorf("exit message without code")
		}
		return bridge.Exit(*m.Code, m.ErrorMessage), nil
	}
	kind, ok := eventKinds[m.Type]
	if !ok {
		return bridge.Event{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	return bridge.Event{Kind: kind, Text: m.Data}, nil
}

// RemoteError is a failure reported by the agent before a job produced any events, e.g. a command that could not be spawned.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }
