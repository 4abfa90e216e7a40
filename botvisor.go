// Package botvisor supervises long-running bot processes. It can be embedded
// through New or run as a daemon through NewDaemon.
package botvisor

import (
	"time"

	"github.com/loykin/botvisor/internal/auth"
	"github.com/loykin/botvisor/internal/broadcast"
	"github.com/loykin/botvisor/internal/config"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/logsink"
	"github.com/loykin/botvisor/internal/manager"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/store"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Language = process.Language

const (
	LanguageNodeJS  = process.LanguageNodeJS
	LanguagePython  = process.LanguagePython
	LanguageCommand = process.LanguageCommand
)

type Status = manager.Status

type State = manager.State

type Manager = manager.Manager

type ManagerConfig = manager.Config

type Config = config.Config

type LogRecord = store.LogRecord

type Activity = store.Activity

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Event = broadcast.Event

type Publisher = broadcast.Publisher

var (
	ErrNotFound       = manager.ErrNotFound
	ErrAlreadyExists  = manager.ErrAlreadyExists
	ErrAlreadyRunning = manager.ErrAlreadyRunning
	ErrShuttingDown   = manager.ErrShuttingDown
	ErrSpawnFailure   = manager.ErrSpawnFailure
	ErrRuntimeCrash   = manager.ErrRuntimeCrash
	ErrInvalidSpec    = process.ErrInvalidSpec
)

// DefaultLogCapacity is the per-worker log cap a daemon uses by default.
const DefaultLogCapacity = logsink.DefaultCapacity

// New returns an embeddable supervisor. logCapacity bounds each worker's log
// buffer and zero keeps every record; pub receives events and may be nil.
func New(cfg ManagerConfig, logCapacity int, pub Publisher) *Manager {
	return manager.New(cfg, logsink.New(logCapacity, pub), pub)
}

// LoadConfig reads a daemon config file; see internal/config for the keys.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Token is a signed API bearer token.
type Token = auth.Token

// MintToken signs a token for subject with the given roles using the auth
// section of a daemon config. A zero ttl uses the configured default.
func MintToken(cfg auth.Config, subject string, roles []string, ttl time.Duration) (*Token, error) {
	svc, err := auth.NewService(cfg)
	if err != nil {
		return nil, err
	}
	return svc.Mint(subject, roles, ttl)
}
