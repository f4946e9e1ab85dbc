package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

var (
	ErrNotFound           = errors.New("source not found")
	ErrUnsupportedType    = errors.New("unsupported source type")
	ErrInvalidInterval    = errors.New("fetch interval must be greater than zero")
	ErrInvalidCallbackURL = errors.New("callback url must be an absolute http or https url")
	ErrMissingCredentials = errors.New("client_email and private_key are required")
)

// Credentials hold the service account used to read a source's audit log.
// PrivateKey is vault ciphertext everywhere outside a running fetch.
type Credentials struct {
	ClientEmail string   `json:"client_email"`
	PrivateKey  string   `json:"-"`
	Scopes      []string `json:"scopes"`
	Subject     string   `json:"subject,omitempty"`
}

type Source struct {
	ID                   string      `json:"id"`
	Type                 string      `json:"type"`
	Credentials          Credentials `json:"credentials"`
	FetchIntervalSeconds int         `json:"fetch_interval_seconds"`
	CallbackURL          string      `json:"callback_url"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

func (s *Source) Interval() time.Duration {
	return time.Duration(s.FetchIntervalSeconds) * time.Second
}

type Repository interface {
	Save(ctx context.Context, src *Source) error
	Get(ctx context.Context, id string) (*Source, error)
	List(ctx context.Context) ([]Source, error)
	SoftDelete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

type Scheduler interface {
	RegisterSource(ctx context.Context, src *Source) error
	UnregisterSource(ctx context.Context, id string) error
	TriggerSource(ctx context.Context, id string) error
}

type TypeValidator interface {
	Supports(sourceType string) bool
}

type RemovalNotifier interface {
	SourceRemoved(ctx context.Context, sourceID string) error
}

type Service struct {
	repo            Repository
	enc             Encrypter
	scheduler       Scheduler
	types           TypeValidator
	notifier        RemovalNotifier
	defaultInterval int
}

func NewService(repo Repository, enc Encrypter, scheduler Scheduler, types TypeValidator, notifier RemovalNotifier, defaultInterval int) *Service {
	return &Service{
		repo:            repo,
		enc:             enc,
		scheduler:       scheduler,
		types:           types,
		notifier:        notifier,
		defaultInterval: defaultInterval,
	}
}

func (s *Service) validate(src *Source) error {
	if !s.types.Supports(src.Type) {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, src.Type)
	}
	if src.FetchIntervalSeconds == 0 {
		src.FetchIntervalSeconds = s.defaultInterval
	}
	if src.FetchIntervalSeconds <= 0 {
		return ErrInvalidInterval
	}
	if src.Credentials.ClientEmail == "" || src.Credentials.PrivateKey == "" {
		return ErrMissingCredentials
	}
	u, err := url.Parse(src.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidCallbackURL
	}
	return nil
}

// Create stores a new source with its private key sealed by the vault and
// installs its recurring fetch trigger.
func (s *Service) Create(ctx context.Context, src *Source) error {
	if err := s.validate(src); err != nil {
		return err
	}

	sealed, err := s.enc.Encrypt(src.Credentials.PrivateKey)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	src.Credentials.PrivateKey = sealed
	if src.Credentials.Scopes == nil {
		src.Credentials.Scopes = []string{}
	}

	if err := s.repo.Save(ctx, src); err != nil {
		return err
	}

	if err := s.scheduler.RegisterSource(ctx, src); err != nil {
		slog.ErrorContext(ctx, "failed to schedule source, rolling back", "source_id", src.ID, "error", err)
		if delErr := s.repo.SoftDelete(ctx, src.ID); delErr != nil {
			slog.ErrorContext(ctx, "failed to roll back source", "source_id", src.ID, "error", delErr)
		}
		return fmt.Errorf("schedule source: %w", err)
	}

	slog.InfoContext(ctx, "source registered", "source_id", src.ID, "type", src.Type, "interval_seconds", src.FetchIntervalSeconds)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Source, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Source, error) {
	return s.repo.List(ctx)
}

// Delete hides the source and stops its future fetches. The trigger is
// removed first and put back if the soft delete fails. A fetch that already
// holds a lease finishes its current run and is not retried.
func (s *Service) Delete(ctx context.Context, id string) error {
	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.scheduler.UnregisterSource(ctx, id); err != nil {
		return fmt.Errorf("unschedule source: %w", err)
	}

	if err := s.repo.SoftDelete(ctx, id); err != nil {
		if rerr := s.scheduler.RegisterSource(ctx, src); rerr != nil {
			slog.ErrorContext(ctx, "failed to restore trigger after delete failure", "source_id", id, "error", rerr)
		}
		return err
	}

	if s.notifier != nil {
		if err := s.notifier.SourceRemoved(ctx, id); err != nil {
			slog.WarnContext(ctx, "failed to publish source removal", "source_id", id, "error", err)
		}
	}
	return nil
}

// Sync queues an immediate fetch for the source outside its regular interval.
func (s *Service) Sync(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.scheduler.TriggerSource(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
