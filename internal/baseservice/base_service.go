// Package baseservice contains structs and initialization functions for
// "service-like" objects (the client, the worker loop, the job executor, the
// migrator) that need a logger and a clock that can be stubbed in tests.
package baseservice

import (
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/delayq/delayq/dqtype"
)

// Archetype contains the set of base service properties that are safe for
// services to copy from another service. It's embedded in BaseService, so
// these properties are available on services directly.
type Archetype struct {
	// Logger is a structured logger.
	Logger *slog.Logger

	// Time returns a time generator to get the current time in UTC. Outside of
	// tests it's UnStubbableTimeGenerator which calls through to time.Now.
	// Services should use it instead of the time package directly so that
	// tests can pin the current time.
	Time TimeGeneratorWithStub
}

// NewArchetype returns a new archetype suitable for non-test usage.
func NewArchetype(logger *slog.Logger) *Archetype {
	return &Archetype{
		Logger: logger,
		Time:   &UnStubbableTimeGenerator{},
	}
}

// BaseService is meant to be embedded on service-like objects. An initial
// Archetype is created near the program's entrypoint (currently in NewClient)
// and each service invokes Init with it.
type BaseService struct {
	Archetype

	// Name is a name of the service. It should generally be used to prefix all
	// log lines the service emits.
	Name string
}

func (s *BaseService) GetBaseService() *BaseService { return s }

// WithBaseService is an interface to a struct that embeds BaseService.
type WithBaseService interface {
	GetBaseService() *BaseService
}

// Init initializes a base service from an archetype. It returns the same
// service that was passed into it for convenience.
func Init[TService WithBaseService](archetype *Archetype, service TService) TService {
	var (
		baseService = service.GetBaseService()
		serviceType = reflect.TypeOf(service).Elem()
	)

	baseService.Logger = archetype.Logger
	baseService.Name = lastPkgPathSegmentIfNotRoot(serviceType.PkgPath()) + simplifyLogName(serviceType.Name())
	baseService.Time = archetype.Time

	return service
}

type TimeGeneratorWithStub interface {
	dqtype.TimeGenerator

	// StubNowUTC stubs the current time. It will panic if invoked outside of
	// tests. Returns the same time passed as parameter for convenience.
	StubNowUTC(nowUTC time.Time) time.Time
}

// TimeGeneratorWithStubWrapper wraps a public TimeGenerator (like one given
// through client configuration) so it satisfies TimeGeneratorWithStub.
type TimeGeneratorWithStubWrapper struct {
	dqtype.TimeGenerator
}

func (g *TimeGeneratorWithStubWrapper) StubNowUTC(nowUTC time.Time) time.Time {
	panic("time not stubbable outside tests")
}

// UnStubbableTimeGenerator is a TimeGenerator implementation that can't be
// stubbed. It's always the generator used outside of tests.
type UnStubbableTimeGenerator struct{}

func (g *UnStubbableTimeGenerator) NowUTC() time.Time       { return time.Now().UTC() }
func (g *UnStubbableTimeGenerator) NowUTCOrNil() *time.Time { return nil }

func (g *UnStubbableTimeGenerator) StubNowUTC(nowUTC time.Time) time.Time {
	panic("time not stubbable outside tests")
}

// Extracts the last part of a package path to use as a service name prefix.
// Types in the top-level package get no prefix:
//
//   - github.com/delayq/delayq           -> ""
//   - github.com/delayq/delayq/dqmigrate -> "dqmigrate."
func lastPkgPathSegmentIfNotRoot(pkgPath string) string {
	lastSlashIndex := strings.LastIndex(pkgPath, "/")
	if lastSlashIndex == -1 {
		return ""
	}

	lastPart := pkgPath[lastSlashIndex+1:]
	if lastPart == "" || lastPart == "delayq" {
		return ""
	}

	return lastPart + "."
}

var stripGenericTypePathRE = regexp.MustCompile(`\[([\[\]\*]*).*/([^/]+)\]`)

// Simplifies the name of a generic type for cleaner logging output, so that
// `Migrator[github.com/jackc/pgx/v5.Tx]` becomes `Migrator[v5.Tx]`.
func simplifyLogName(name string) string {
	return stripGenericTypePathRE.ReplaceAllString(name, `[$1$2]`)
}
