package triggerdaq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Notice is a status message meant for operators.
type Notice struct {
	Level   string    `json:"level"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type Relayer interface {
	Notice(level string, subject string, message string)
	Close()
}

// NewRelayer publishes to NATS when a URL is given and only logs otherwise.
func NewRelayer(url string, subject string) (Relayer, error) {
	if url == "" {
		return LogRelayer{}, nil
	}
	return NewNATSRelayer(url, subject)
}

// LogRelayer writes notices to the package logger.
type LogRelayer struct{}

func (LogRelayer) Notice(level string, subject string, message string) {
	text := fmt.Sprintf("%s: %s", subject, message)
	switch level {
	case "error", "critical":
		logger.Error(text)
	case "warning":
		logger.Warn(text, "relayer")
	default:
		logger.Info(text, "relayer")
	}
}

func (LogRelayer) Close() {}

type NATSRelayer struct {
	conn    *nats.Conn
	subject string
}

func NewNATSRelayer(url string, subject string) (*NATSRelayer, error) {
	conn, err := nats.Connect(url,
		nats.Name("triggerdaq"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to NATS at %s: %w", url, err)
	}
	return &NATSRelayer{conn: conn, subject: subject}, nil
}

// Notice publishes on <subject>.<level>. Failures are logged, never returned.
func (r *NATSRelayer) Notice(level string, subject string, message string) {
	notice := Notice{Level: level, Subject: subject, Message: message, Time: time.Now().UTC()}
	data, err := json.Marshal(notice)
	if err != nil {
		logger.Error(fmt.Sprintf("error encoding notice: %v", err))
		return
	}
	if err := r.conn.Publish(r.subject+"."+level, data); err != nil {
		logger.Error(fmt.Sprintf("error publishing notice: %v", err))
	}
}

func (r *NATSRelayer) Close() {
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
	}
}
