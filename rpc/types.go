package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"nhooyr.io/websocket"
)

// Result codes carried in the "result" field of reply frames.
const (
	ResultOK       = 200
	ResultPong     = 201
	ResultNotFound = 404
	ResultError    = 500
)

// StatusFinal is the close status that tells the frontend not to reconnect.
const StatusFinal websocket.StatusCode = 3110

// DefaultAddr is where the backend listens and the frontend connects.
const DefaultAddr = "127.0.0.1:9700"

// readLimit bounds a single frame. Push frames inline whole script and stylesheet files.
const readLimit = 8 << 20

// Kind is the name of a request or push command.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindVersion
	KindSetup
	KindAppDrive
	KindLoadJS
	KindLoadCSS
)

var kindNames = map[Kind]string{
	KindPing:     "ping",
	KindVersion:  "version",
	KindSetup:    "setup",
	KindAppDrive: "appdrive",
	KindLoadJS:   "loadjs",
	KindLoadCSS:  "loadcss",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// IsPush is true for kinds that travel backend->frontend in push frames.
func (k Kind) IsPush() bool {
	return k == KindLoadJS || k == KindLoadCSS
}

// ParseKind returns KindUnknown for names it does not recognize.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Resource is one inlined file in a load command.
type Resource struct {
	Location string `json:"location"`
	Contents string `json:"contents"`
}

// LoadAttributes are the attributes of loadjs and loadcss push frames.
type LoadAttributes struct {
	Data []Resource `json:"data"`
}

// Command is a push instruction from the backend.
type Command struct {
	Kind      Kind
	Resources []Resource
}

var (
	ErrNotOpen  = errors.New("connection is not open")
	ErrClosed   = errors.New("connection closed before reply")
	ErrTimeout  = errors.New("request timed out")
	ErrShutdown = errors.New("channel is shut down")
	ErrNoClient = errors.New("no client connected")
)

// RemoteError is returned when the backend replies with ResultError.
type RemoteError struct {
	Request string
	Result  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("request %q failed with result %d", e.Request, e.Result)
}

// Message is a single frame. Request, RequestID, Result, Command and Attributes
// are the fixed keys; every other key of the JSON object is kept in Fields.
type Message struct {
	Request    string
	RequestID  int64
	Result     int
	Command    string
	Attributes json.RawMessage

	Fields map[string]json.RawMessage
}

// IsPush reports whether the frame is a push command rather than a reply.
func (m *Message) IsPush() bool {
	return m.Command != ""
}

// Set JSON-encodes v into the named field.
func (m *Message) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding field %q: %w", key, err)
	}
	if m.Fields == nil {
		m.Fields = map[string]json.RawMessage{}
	}
	m.Fields[key] = b
	return nil
}

// Get decodes the named field into v, returning false if the field is absent.
func (m *Message) Get(key string, v any) (bool, error) {
	b, ok := m.Fields[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, fmt.Errorf("decoding field %q: %w", key, err)
	}
	return true, nil
}

// Clone copies the message, including its extra fields.
func (m *Message) Clone() *Message {
	c := *m
	if m.Fields != nil {
		c.Fields = make(map[string]json.RawMessage, len(m.Fields))
		for k, v := range m.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

const (
	keyRequest    = "request"
	keyRequestID  = "requestId"
	keyResult     = "result"
	keyCommand    = "command"
	keyAttributes = "attributes"
)

func (m Message) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(m.Fields)+5)
	for k, v := range m.Fields {
		obj[k] = v
	}
	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		obj[key] = b
		return nil
	}
	if m.Request != "" {
		if err := set(keyRequest, m.Request); err != nil {
			return nil, err
		}
	}
	if m.RequestID != 0 {
		if err := set(keyRequestID, m.RequestID); err != nil {
			return nil, err
		}
	}
	if m.Result != 0 {
		if err := set(keyResult, m.Result); err != nil {
			return nil, err
		}
	}
	if m.Command != "" {
		if err := set(keyCommand, m.Command); err != nil {
			return nil, err
		}
	}
	if len(m.Attributes) > 0 {
		obj[keyAttributes] = m.Attributes
	}
	return json.Marshal(obj)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj == nil {
		return errors.New("frame is not a JSON object")
	}
	*m = Message{}
	take := func(key string, v any) error {
		raw, ok := obj[key]
		if !ok {
			return nil
		}
		delete(obj, key)
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("decoding %q: %w", key, err)
		}
		return nil
	}
	if err := take(keyRequest, &m.Request); err != nil {
		return err
	}
	if err := take(keyRequestID, &m.RequestID); err != nil {
		return err
	}
	if err := take(keyResult, &m.Result); err != nil {
		return err
	}
	if err := take(keyCommand, &m.Command); err != nil {
		return err
	}
	if raw, ok := obj[keyAttributes]; ok {
		m.Attributes = raw
		delete(obj, keyAttributes)
	}
	if len(obj) > 0 {
		m.Fields = obj
	}
	return nil
}

// pushMessage builds the push frame for cmd.
func pushMessage(cmd Command) (Message, error) {
	if !cmd.Kind.IsPush() {
		return Message{}, fmt.Errorf("%s is not a push command", cmd.Kind)
	}
	data := cmd.Resources
	if data == nil {
		data = []Resource{}
	}
	attrs, err := json.Marshal(LoadAttributes{Data: data})
	if err != nil {
		return Message{}, fmt.Errorf("encoding attributes: %w", err)
	}
	return Message{Command: cmd.Kind.String(), Attributes: attrs}, nil
}

// parseCommand decodes a push frame. Unknown command names yield KindUnknown with no resources.
func parseCommand(m *Message) (Command, error) {
	cmd := Command{Kind: ParseKind(m.Command)}
	switch cmd.Kind {
	case KindLoadJS, KindLoadCSS:
		var attrs LoadAttributes
		if len(m.Attributes) > 0 {
			if err := json.Unmarshal(m.Attributes, &attrs); err != nil {
				return cmd, fmt.Errorf("decoding %s attributes: %w", cmd.Kind, err)
			}
		}
		cmd.Resources = attrs.Data
		return cmd, nil
	default:
		return cmd, nil
	}
}
