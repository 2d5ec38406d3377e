package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects process identity, AWS resources, feature flags and
// configuration, then emits a single structured zerolog event summarising
// how the worker was started. One line in the logs is enough to tell which
// queues and bucket an instance was bound to.
type StartupLogger struct {
	name         string
	commitHash   string
	buildTime    string
	initDuration time.Duration

	queues   map[string]string
	buckets  map[string]string
	tables   map[string]string
	eventBus map[string]string
	features map[string]bool
	config   map[string]string
}

// NewStartupLogger creates a StartupLogger for the given entry point
// (e.g. "worker", "xcode-lambda").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:     name,
		queues:   make(map[string]string),
		buckets:  make(map[string]string),
		tables:   make(map[string]string),
		eventBus: make(map[string]string),
		features: make(map[string]bool),
		config:   make(map[string]string),
	}
}

// CommitHash sets the git commit hash baked into the binary at build time.
func (s *StartupLogger) CommitHash(hash string) *StartupLogger {
	s.commitHash = hash
	return s
}

// BuildTime sets the UTC build timestamp baked into the binary at build time.
func (s *StartupLogger) BuildTime(t string) *StartupLogger {
	s.buildTime = t
	return s
}

// Queue registers an SQS queue URL or ARN. Empty values are skipped.
func (s *StartupLogger) Queue(label, url string) *StartupLogger {
	if url != "" {
		s.queues[label] = url
	}
	return s
}

// S3Bucket registers an S3 bucket used by this process.
func (s *StartupLogger) S3Bucket(label, name string) *StartupLogger {
	if name != "" {
		s.buckets[label] = name
	}
	return s
}

// DynamoTable registers a DynamoDB table used by this process.
func (s *StartupLogger) DynamoTable(label, name string) *StartupLogger {
	if name != "" {
		s.tables[label] = name
	}
	return s
}

// EventBus registers an EventBridge bus used by this process.
func (s *StartupLogger) EventBus(label, name string) *StartupLogger {
	if name != "" {
		s.eventBus[label] = name
	}
	return s
}

// Feature registers a boolean feature flag (e.g. "deadLetter", "presign").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long startup took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// Log emits a single structured INFO log event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info()

	proc := zerolog.Dict().
		Str("name", s.name).
		Int("pid", os.Getpid()).
		Str("region", os.Getenv("AWS_REGION")).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", zerolog.GlobalLevel().String())

	if s.commitHash != "" {
		proc = proc.Str("commitHash", s.commitHash)
	}
	if s.buildTime != "" {
		proc = proc.Str("buildTime", s.buildTime)
	}
	evt = evt.Dict("process", proc)

	// Resources: only non-empty maps are attached.
	resources := zerolog.Dict()
	hasResources := false
	for label, m := range map[string]map[string]string{
		"queues":     s.queues,
		"s3Buckets":  s.buckets,
		"tables":     s.tables,
		"eventBuses": s.eventBus,
	} {
		if len(m) > 0 {
			resources = resources.Dict(label, dictFromMap(m))
			hasResources = true
		}
	}
	if hasResources {
		evt = evt.Dict("resources", resources)
	}

	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}

	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}

	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Startup complete")
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
