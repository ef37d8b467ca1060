package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"team-answer-service/internal/domain"
)

const eventSubmissionCreated = "submission.created"

type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // how long graders can replay events
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "TEAM_ANSWERS",
		SubjectPrefix:   "answers.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// SubmissionPublisher emits closed attempts to JetStream for the grading pipeline.
// The submission ID doubles as the JetStream message ID so retries deduplicate.
type SubmissionPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config Config
}

func NewSubmissionPublisher(ctx context.Context, cfg Config) (*SubmissionPublisher, error) {
	opts := []nats.Option{
		nats.Name("team-answer-service"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &SubmissionPublisher{nc: nc, js: js, config: cfg}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *SubmissionPublisher) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Team answer submissions awaiting grading",
		Subjects:    []string{p.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		MaxMsgs:     -1,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	}
}

func (p *SubmissionPublisher) ensureStream(ctx context.Context) error {
	sc := p.streamConfig()
	stream, err := p.js.Stream(ctx, sc.Name)
	if err != nil {
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("created JetStream stream")
		return nil
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !streamConfigEqual(info.Config, sc) {
		if _, err = p.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("updated JetStream stream")
	}
	return nil
}

// PublishSubmission sends one submission.created event.
func (p *SubmissionPublisher) PublishSubmission(ctx context.Context, sub domain.Submission) error {
	msg, err := buildMessage(p.config.SubjectPrefix, sub)
	if err != nil {
		return err
	}
	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(sub.ID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}
	log.Info().
		Str("subject", msg.Subject).
		Str("submission_id", sub.ID).
		Uint64("sequence", ack.Sequence).
		Str("stream", ack.Stream).
		Msg("published submission")
	return nil
}

func (p *SubmissionPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

type envelope struct {
	EventID   string            `json:"eventId"`
	EventType string            `json:"eventType"`
	TestID    string            `json:"testId"`
	TeamID    string            `json:"teamId"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   domain.Submission `json:"payload"`
}

func buildMessage(prefix string, sub domain.Submission) (*nats.Msg, error) {
	data, err := json.Marshal(envelope{
		EventID:   sub.ID,
		EventType: eventSubmissionCreated,
		TestID:    sub.TestID,
		TeamID:    sub.TeamID,
		Timestamp: sub.CreatedAt.UTC(),
		Payload:   sub,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal submission event: %w", err)
	}
	return &nats.Msg{
		Subject: fmt.Sprintf("%s.%s", prefix, eventSubmissionCreated),
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{eventSubmissionCreated},
			"Event-ID":   []string{sub.ID},
			"Test-ID":    []string{sub.TestID},
			"Team-ID":    []string{sub.TeamID},
		},
	}, nil
}

func streamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		len(a.Subjects) == len(b.Subjects) &&
		(len(a.Subjects) == 0 || a.Subjects[0] == b.Subjects[0])
}
