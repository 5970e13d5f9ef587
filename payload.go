package delayq

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/delayq/delayq/dqtype"
)

// LoadHook is invoked when a stored payload names a type that isn't
// registered. It receives the type name exactly as stored and may register
// the type (or otherwise arrange for it to become known), after which
// decoding is retried once.
type LoadHook func(typeName string)

// Registry maps payload type names to Go types so that a stored job can be
// turned back into a runnable Performer. Every process that enqueues or works
// jobs needs a registry with the job types it handles. Registries are safe for
// concurrent use.
//
// Types are added with Register or RegisterNamed:
//
//	registry := delayq.NewRegistry()
//	delayq.Register[*SendEmailJob](registry)
type Registry struct {
	mu       sync.RWMutex
	loadHook LoadHook
	methods  map[methodKey]methodFunc
	byName   map[string]*payloadType
	byType   map[reflect.Type]*payloadType
}

type payloadType struct {
	goType reflect.Type // as registered; may be a pointer type
	name   string
	tag    dqtype.PayloadTag
}

// NewRegistry initializes a new registry. MethodCall is always registered.
func NewRegistry() *Registry {
	registry := &Registry{
		methods: make(map[methodKey]methodFunc),
		byName:  make(map[string]*payloadType),
		byType:  make(map[reflect.Type]*payloadType),
	}

	if err := RegisterNamedSafely[*MethodCall](registry, methodCallTypeName); err != nil {
		panic(err)
	}

	return registry
}

// Register registers a Performer type with the registry under its package
// qualified name (like "jobs.SendEmailJob"). Pointer types are stored with an
// "object" tag and value types with a "struct" tag, and they're decoded back
// into the same shape.
//
// Panics if the type can't be registered, like if its name is already in use.
func Register[T dqtype.Performer](registry *Registry) {
	if err := RegisterSafely[T](registry); err != nil {
		panic(err)
	}
}

// RegisterSafely is the same as Register, but returns an error rather than
// panicking.
func RegisterSafely[T dqtype.Performer](registry *Registry) error {
	goType := reflect.TypeFor[T]()
	return registry.add(goType, defaultTypeName(goType))
}

// RegisterNamed registers a Performer type with an explicit name. It's useful
// when the stored name needs to stay stable across a type being renamed or
// moved between packages.
//
// Panics if the type can't be registered.
func RegisterNamed[T dqtype.Performer](registry *Registry, name string) {
	if err := RegisterNamedSafely[T](registry, name); err != nil {
		panic(err)
	}
}

// RegisterNamedSafely is the same as RegisterNamed, but returns an error
// rather than panicking.
func RegisterNamedSafely[T dqtype.Performer](registry *Registry, name string) error {
	return registry.add(reflect.TypeFor[T](), name)
}

// SetLoadHook sets a hook invoked on encountering an unknown type name while
// decoding. Only one hook is kept; setting a new one replaces the old.
func (r *Registry) SetLoadHook(hook LoadHook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadHook = hook
}

func (r *Registry) add(goType reflect.Type, name string) error {
	if goType.Kind() == reflect.Interface {
		return fmt.Errorf("can't register interface type %s; register a concrete type", goType)
	}
	if name == "" {
		return errors.New("payload type name must not be empty")
	}

	tag := dqtype.PayloadTagStruct
	if goType.Kind() == reflect.Pointer {
		tag = dqtype.PayloadTagObject
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("payload type %q is already registered", name)
	}
	if existing, ok := r.byType[goType]; ok {
		return fmt.Errorf("type %s is already registered as %q", goType, existing.name)
	}

	payloadType := &payloadType{goType: goType, name: name, tag: tag}
	r.byName[name] = payloadType
	r.byType[goType] = payloadType

	return nil
}

// Encode turns a unit of work into its stored form:
//
//	{"tag":"object","type":"jobs.SendEmailJob","fields":{"to":"..."}}
//
// The unit's exported fields are serialized with encoding/json and so may be
// customized with struct tags. Returns an ArgumentError if unit is nil or its
// type isn't registered.
func (r *Registry) Encode(unit dqtype.Performer) ([]byte, error) {
	if unit == nil {
		return nil, &ArgumentError{Message: "job unit must not be nil"}
	}
	if value := reflect.ValueOf(unit); value.Kind() == reflect.Pointer && value.IsNil() {
		return nil, &ArgumentError{Message: fmt.Sprintf("job unit must not be a nil %T", unit)}
	}

	payloadType := r.lookupType(reflect.TypeOf(unit))
	if payloadType == nil {
		return nil, &ArgumentError{Message: fmt.Sprintf("job unit type %T must be registered before it's enqueued", unit)}
	}

	fields, err := json.Marshal(unit)
	if err != nil {
		return nil, fmt.Errorf("error marshaling job unit %s: %w", payloadType.name, err)
	}

	handler, err := sjson.SetBytes(nil, "tag", string(payloadType.tag))
	if err != nil {
		return nil, err
	}
	if handler, err = sjson.SetBytes(handler, "type", payloadType.name); err != nil {
		return nil, err
	}
	if handler, err = sjson.SetRawBytes(handler, "fields", fields); err != nil {
		return nil, err
	}

	return handler, nil
}

// Decode turns a stored payload back into a Performer. If the stored type
// isn't registered, the load hook (if any) is invoked with the stored name and
// the lookup retried once. A payload that still can't be loaded, or whose tag
// doesn't match how its type was registered, produces a DeserializationError.
func (r *Registry) Decode(handler []byte) (dqtype.Performer, error) {
	if !gjson.ValidBytes(handler) {
		return nil, &DeserializationError{Err: errors.New("payload is not valid JSON")}
	}

	var (
		results  = gjson.GetManyBytes(handler, "tag", "type", "fields")
		tag      = dqtype.PayloadTag(results[0].String())
		typeName = results[1].String()
		fields   = results[2]
	)

	if tag != dqtype.PayloadTagObject && tag != dqtype.PayloadTagStruct {
		return nil, &DeserializationError{Err: fmt.Errorf("unknown payload tag %q", tag), Tag: tag, TypeName: typeName}
	}

	payloadType := r.lookupName(typeName)
	if payloadType == nil {
		if hook := r.getLoadHook(); hook != nil {
			hook(typeName)
			payloadType = r.lookupName(typeName)
		}
	}
	if payloadType == nil {
		return nil, &DeserializationError{Tag: tag, TypeName: typeName}
	}
	if payloadType.tag != tag {
		return nil, &DeserializationError{
			Err:      fmt.Errorf("type is registered as a %s", payloadType.tag),
			Tag:      tag,
			TypeName: typeName,
		}
	}

	baseType := payloadType.goType
	if baseType.Kind() == reflect.Pointer {
		baseType = baseType.Elem()
	}

	value := reflect.New(baseType)
	if fields.Exists() && fields.Type != gjson.Null {
		if err := json.Unmarshal([]byte(fields.Raw), value.Interface()); err != nil {
			return nil, &DeserializationError{Err: err, Tag: tag, TypeName: typeName}
		}
	}

	var unit any = value.Interface()
	if payloadType.goType.Kind() != reflect.Pointer {
		unit = value.Elem().Interface()
	}

	if methodCall, ok := unit.(*MethodCall); ok {
		methodCall.registry = r
	}

	return unit.(dqtype.Performer), nil //nolint:forcetypeassert
}

// Name returns the display name of a unit of work. A unit implementing
// DisplayNamer names itself. A MethodCall is named after its receiver and
// method, like "Story#Save". Anything else is named by its registered type
// name, or its Go type when unregistered.
func (r *Registry) Name(unit dqtype.Performer) string {
	if displayNamer, ok := unit.(dqtype.DisplayNamer); ok {
		return displayNamer.DisplayName()
	}

	if methodCall, ok := unit.(*MethodCall); ok {
		return methodCall.Name()
	}

	if payloadType := r.lookupType(reflect.TypeOf(unit)); payloadType != nil {
		return payloadType.name
	}

	return reflect.TypeOf(unit).String()
}

func (r *Registry) getLoadHook() LoadHook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.loadHook
}

func (r *Registry) lookupName(name string) *payloadType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byName[name]
}

func (r *Registry) lookupType(goType reflect.Type) *payloadType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byType[goType]
}

// Names like "jobs.SendEmailJob" for both SendEmailJob and *SendEmailJob.
func defaultTypeName(goType reflect.Type) string {
	if goType.Kind() == reflect.Pointer {
		goType = goType.Elem()
	}
	return goType.String()
}
