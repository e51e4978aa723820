package activitymap

import (
	"context"
	"strings"
	"time"

	hitch "github.com/goliatone/go-hitch"
)

const (
	// MetadataKeyFromStatus stores the session status left by a transition.
	MetadataKeyFromStatus = "from_status"
	// MetadataKeyToStatus stores the session status entered by a transition.
	MetadataKeyToStatus = "to_status"
)

const (
	defaultChannel    = "hitch"
	defaultObjectType = "session"
	defaultActor      = "anonymous"
)

// Normalized is a transport agnostic activity record for downstream systems.
type Normalized struct {
	Actor      string         `json:"actor"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
}

// WithChannel sets the channel of normalized records.
func WithChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithObjectType sets the object type of normalized records.
func WithObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		opts.objectType = strings.TrimSpace(objectType)
	}
}

// WithActorFallback names the actor of events without a username.
func WithActorFallback(actor string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actor)
	}
}

// Normalize converts a hitch.ActivityEvent into a Normalized record.
func Normalize(event hitch.ActivityEvent, opts ...Option) Normalized {
	options := normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActor,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	actor := strings.TrimSpace(event.Username)
	if actor == "" {
		actor = options.actorFallback
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	return Normalized{
		Actor:      actor,
		Verb:       string(event.EventType),
		ObjectType: options.objectType,
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event),
		OccurredAt: occurredAt.UTC(),
	}
}

// Sink returns an activity sink that hands normalized records to emit.
func Sink(emit func(context.Context, Normalized) error, opts ...Option) hitch.ActivitySink {
	return hitch.ActivitySinkFunc(func(ctx context.Context, event hitch.ActivityEvent) error {
		if emit == nil {
			return nil
		}
		return emit(ctx, Normalize(event, opts...))
	})
}

// LogSink writes normalized records to logger at info level.
func LogSink(logger hitch.Logger, opts ...Option) hitch.ActivitySink {
	return Sink(func(_ context.Context, n Normalized) error {
		if logger == nil {
			return nil
		}
		logger.Info("activity",
			"actor", n.Actor,
			"verb", n.Verb,
			"object_type", n.ObjectType,
			"channel", n.Channel,
			"metadata", n.Metadata,
			"occurred_at", n.OccurredAt,
		)
		return nil
	}, opts...)
}

func normalizeMetadata(event hitch.ActivityEvent) map[string]any {
	var metadata map[string]any
	if len(event.Metadata) > 0 {
		metadata = make(map[string]any, len(event.Metadata)+2)
		for key, value := range event.Metadata {
			metadata[key] = value
		}
	}

	if event.FromStatus != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[MetadataKeyFromStatus] = string(event.FromStatus)
	}

	if event.ToStatus != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[MetadataKeyToStatus] = string(event.ToStatus)
	}

	return metadata
}
