package executor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/petri/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Kind discriminates protocol messages.
type Kind string

// Caller→worker kinds.
const (
	KindInitialize Kind = "initialize"
	KindStep       Kind = "step"
	KindBatchStep  Kind = "batch_step"
	KindTerminate  Kind = "terminate"
	KindCancel     Kind = "cancel"
)

// Worker→caller kinds.
const (
	KindInitializeComplete Kind = "initialize_complete"
	KindStepComplete       Kind = "step_complete"
	KindBatchStepProgress  Kind = "batch_step_progress"
	KindBatchStepComplete  Kind = "batch_step_complete"
	KindError              Kind = "error"
)

// Error codes carried by ErrorResponse.
const (
	CodeValidation = "validation"
	CodeRemote     = "remote"
	CodeProtocol   = "protocol"
)

// Message is a protocol body. The unexported method keeps the set closed to
// the types in this file.
type Message interface {
	Kind() Kind
	message()
}

// InitializeRequest asks the worker to seed a new population.
type InitializeRequest struct {
	Parameters model.Parameters `json:"parameters"`
}

// StepRequest asks for one generation.
type StepRequest struct {
	Population model.Population `json:"population"`
	Parameters model.Parameters `json:"parameters"`
}

// BatchStepRequest asks for Steps consecutive generations.
type BatchStepRequest struct {
	Population       model.Population `json:"population"`
	Parameters       model.Parameters `json:"parameters"`
	Steps            int              `json:"steps"`
	ReportProgress   bool             `json:"report_progress"`
	StopOnExtinction bool             `json:"stop_on_extinction,omitempty"`
}

// TerminateRequest tells the worker to stop serving.
type TerminateRequest struct{}

// CancelRequest asks the worker to stop the batch with the envelope's id at
// the next generation boundary.
type CancelRequest struct{}

// InitializeComplete answers an InitializeRequest.
type InitializeComplete struct {
	Population model.Population      `json:"population"`
	Statistics model.GenerationStats `json:"statistics"`
}

// StepComplete answers a StepRequest.
type StepComplete struct {
	Population model.Population      `json:"population"`
	Statistics model.GenerationStats `json:"statistics"`
}

// BatchStepProgress reports an intermediate batch state.
type BatchStepProgress struct {
	CurrentStep int                   `json:"current_step"`
	TotalSteps  int                   `json:"total_steps"`
	Progress    float64               `json:"progress"`
	Population  model.Population      `json:"population"`
	Statistics  model.GenerationStats `json:"statistics"`
}

// BatchStepComplete answers a BatchStepRequest. CompletedSteps is lower than
// RequestedSteps when the batch was cancelled.
type BatchStepComplete struct {
	Population     model.Population      `json:"population"`
	Statistics     model.GenerationStats `json:"statistics"`
	History        model.History         `json:"history"`
	CompletedSteps int                   `json:"completed_steps"`
	RequestedSteps int                   `json:"requested_steps"`
}

// ErrorResponse rejects a request.
type ErrorResponse struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Validation *model.ValidationError `json:"validation,omitempty"`
}

func (InitializeRequest) Kind() Kind  { return KindInitialize }
func (StepRequest) Kind() Kind        { return KindStep }
func (BatchStepRequest) Kind() Kind   { return KindBatchStep }
func (TerminateRequest) Kind() Kind   { return KindTerminate }
func (CancelRequest) Kind() Kind      { return KindCancel }
func (InitializeComplete) Kind() Kind { return KindInitializeComplete }
func (StepComplete) Kind() Kind       { return KindStepComplete }
func (BatchStepProgress) Kind() Kind  { return KindBatchStepProgress }
func (BatchStepComplete) Kind() Kind  { return KindBatchStepComplete }
func (ErrorResponse) Kind() Kind      { return KindError }

func (InitializeRequest) message()  {}
func (StepRequest) message()        {}
func (BatchStepRequest) message()   {}
func (TerminateRequest) message()   {}
func (CancelRequest) message()      {}
func (InitializeComplete) message() {}
func (StepComplete) message()       {}
func (BatchStepProgress) message()  {}
func (BatchStepComplete) message()  {}
func (ErrorResponse) message()      {}

// Envelope is the wire form of every message.
type Envelope struct {
	ID   string          `json:"id"`
	Type Kind            `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode wraps m in an envelope carrying id.
func Encode(id string, m Message) (Envelope, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s body: %w", m.Kind(), err)
	}
	return Envelope{ID: id, Type: m.Kind(), Body: body}, nil
}

// Decode returns the typed body of e.
func (e Envelope) Decode() (Message, error) {
	switch e.Type {
	case KindInitialize:
		return decodeBody[InitializeRequest](e)
	case KindStep:
		return decodeBody[StepRequest](e)
	case KindBatchStep:
		return decodeBody[BatchStepRequest](e)
	case KindTerminate:
		return decodeBody[TerminateRequest](e)
	case KindCancel:
		return decodeBody[CancelRequest](e)
	case KindInitializeComplete:
		return decodeBody[InitializeComplete](e)
	case KindStepComplete:
		return decodeBody[StepComplete](e)
	case KindBatchStepProgress:
		return decodeBody[BatchStepProgress](e)
	case KindBatchStepComplete:
		return decodeBody[BatchStepComplete](e)
	case KindError:
		return decodeBody[ErrorResponse](e)
	default:
		return nil, fmt.Errorf("unknown message type: %q", e.Type)
	}
}

func decodeBody[T Message](e Envelope) (Message, error) {
	var m T
	if len(e.Body) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(e.Body, &m); err != nil {
		return nil, fmt.Errorf("unmarshal %s body: %w", e.Type, err)
	}
	return m, nil
}

// Send writes m to w as one frame.
func Send(w io.Writer, id string, m Message) error {
	env, err := Encode(id, m)
	if err != nil {
		return err
	}
	return WriteMessage(w, &env)
}

// Receive reads one frame from r and decodes its body.
func Receive(r io.Reader) (string, Message, error) {
	var env Envelope
	if err := ReadMessage(r, &env); err != nil {
		return "", nil, err
	}
	m, err := env.Decode()
	if err != nil {
		return env.ID, nil, err
	}
	return env.ID, m, nil
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
// Prefix and payload go out in a single Write so concurrent writers holding
// a shared lock never interleave partial frames.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
