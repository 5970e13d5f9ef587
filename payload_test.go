package delayq

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delayq/delayq/dqtype"
)

type hookLoadedJob struct {
	Message string `json:"message"`
}

func (j *hookLoadedJob) Perform(ctx context.Context) error { return nil }

func TestRegistry_EncodeDecode(t *testing.T) {
	t.Parallel()

	t.Run("PointerType", func(t *testing.T) {
		t.Parallel()

		registry := newTestRegistry()

		handler, err := registry.Encode(&RecordingJob{Key: "key"})
		require.NoError(t, err)
		require.JSONEq(t, `{"tag":"object","type":"delayq.RecordingJob","fields":{"key":"key"}}`, string(handler))

		unit, err := registry.Decode(handler)
		require.NoError(t, err)
		require.Equal(t, &RecordingJob{Key: "key"}, unit)
	})

	t.Run("ValueType", func(t *testing.T) {
		t.Parallel()

		registry := newTestRegistry()

		handler, err := registry.Encode(StructJob{Key: "key"})
		require.NoError(t, err)
		require.JSONEq(t, `{"tag":"struct","type":"delayq.StructJob","fields":{"key":"key"}}`, string(handler))

		unit, err := registry.Decode(handler)
		require.NoError(t, err)
		require.Equal(t, StructJob{Key: "key"}, unit)
	})

	t.Run("CustomName", func(t *testing.T) {
		t.Parallel()

		registry := newTestRegistry()

		handler, err := registry.Encode(&ErrorJob{})
		require.NoError(t, err)
		require.JSONEq(t, `{"tag":"object","type":"ErrorJob","fields":{}}`, string(handler))
	})

	t.Run("MissingOrNullFields", func(t *testing.T) {
		t.Parallel()

		registry := newTestRegistry()

		unit, err := registry.Decode([]byte(`{"tag":"object","type":"delayq.RecordingJob"}`))
		require.NoError(t, err)
		require.Equal(t, &RecordingJob{}, unit)

		unit, err = registry.Decode([]byte(`{"tag":"struct","type":"delayq.StructJob","fields":null}`))
		require.NoError(t, err)
		require.Equal(t, StructJob{}, unit)
	})

	t.Run("EncodeErrors", func(t *testing.T) {
		t.Parallel()

		registry := newTestRegistry()

		_, err := registry.Encode(nil)
		require.ErrorIs(t, err, &ArgumentError{})

		_, err = registry.Encode((*RecordingJob)(nil))
		require.ErrorIs(t, err, &ArgumentError{})

		// Registered as a value, so the pointer type isn't known.
		_, err = registry.Encode(&StructJob{})
		require.ErrorIs(t, err, &ArgumentError{})
	})
}

func TestRegistry_DecodeErrors(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		tag      dqtype.PayloadTag
		typeName string
	}{
		{"ObjectBare", dqtype.PayloadTagObject, "MissingJob"},
		{"ObjectNamespaced", dqtype.PayloadTagObject, "jobs.reports.MissingJob"},
		{"StructBare", dqtype.PayloadTagStruct, "MissingJob"},
		{"StructNamespaced", dqtype.PayloadTagStruct, "jobs.reports.MissingJob"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			registry := newTestRegistry()

			var hookCalls []string
			registry.SetLoadHook(func(typeName string) {
				hookCalls = append(hookCalls, typeName)
			})

			_, err := registry.Decode([]byte(`{"tag":"` + string(tt.tag) + `","type":"` + tt.typeName + `","fields":{}}`))
			require.ErrorIs(t, err, &DeserializationError{})

			var deserializationErr *DeserializationError
			require.ErrorAs(t, err, &deserializationErr)
			require.Equal(t, tt.tag, deserializationErr.Tag)
			require.Equal(t, tt.typeName, deserializationErr.TypeName)
			require.NoError(t, deserializationErr.Err)

			// Hook gets the name exactly as stored, and is only tried once.
			require.Equal(t, []string{tt.typeName}, hookCalls)
		})
	}

	t.Run("NoHook", func(t *testing.T) {
		t.Parallel()

		_, err := newTestRegistry().Decode([]byte(`{"tag":"object","type":"MissingJob","fields":{}}`))
		require.EqualError(t, err, `job failed to load: unknown object type "MissingJob"`)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		t.Parallel()

		_, err := newTestRegistry().Decode([]byte(`{"tag":`))
		require.ErrorIs(t, err, &DeserializationError{})
	})

	t.Run("UnknownTag", func(t *testing.T) {
		t.Parallel()

		_, err := newTestRegistry().Decode([]byte(`{"tag":"proc","type":"delayq.RecordingJob","fields":{}}`))
		require.ErrorIs(t, err, &DeserializationError{})
		require.EqualError(t, err, `job failed to load: proc type "delayq.RecordingJob": unknown payload tag "proc"`)
	})

	t.Run("TagMismatch", func(t *testing.T) {
		t.Parallel()

		_, err := newTestRegistry().Decode([]byte(`{"tag":"object","type":"delayq.StructJob","fields":{}}`))
		require.EqualError(t, err, `job failed to load: object type "delayq.StructJob": type is registered as a struct`)

		_, err = newTestRegistry().Decode([]byte(`{"tag":"struct","type":"delayq.RecordingJob","fields":{}}`))
		require.ErrorIs(t, err, &DeserializationError{})
	})

	t.Run("BadFields", func(t *testing.T) {
		t.Parallel()

		_, err := newTestRegistry().Decode([]byte(`{"tag":"object","type":"delayq.RecordingJob","fields":{"key":123}}`))
		require.ErrorIs(t, err, &DeserializationError{})

		var deserializationErr *DeserializationError
		require.ErrorAs(t, err, &deserializationErr)
		require.Error(t, deserializationErr.Err)
	})
}

func TestRegistry_LoadHook(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry()

	var hookCalls []string
	registry.SetLoadHook(func(typeName string) {
		hookCalls = append(hookCalls, typeName)
		if typeName == "plugins.HookLoadedJob" {
			RegisterNamed[*hookLoadedJob](registry, typeName)
		}
	})

	handler := []byte(`{"tag":"object","type":"plugins.HookLoadedJob","fields":{"message":"hello"}}`)

	unit, err := registry.Decode(handler)
	require.NoError(t, err)
	require.Equal(t, &hookLoadedJob{Message: "hello"}, unit)
	require.Equal(t, []string{"plugins.HookLoadedJob"}, hookCalls)

	// Now registered, so the hook isn't needed again.
	_, err = registry.Decode(handler)
	require.NoError(t, err)
	require.Len(t, hookCalls, 1)
}

func TestRegister(t *testing.T) {
	t.Parallel()

	t.Run("DuplicateName", func(t *testing.T) {
		t.Parallel()

		registry := NewRegistry()
		require.NoError(t, RegisterSafely[*RecordingJob](registry))

		err := RegisterNamedSafely[*hookLoadedJob](registry, "delayq.RecordingJob")
		require.EqualError(t, err, `payload type "delayq.RecordingJob" is already registered`)
	})

	t.Run("DuplicateType", func(t *testing.T) {
		t.Parallel()

		registry := NewRegistry()
		require.NoError(t, RegisterSafely[*RecordingJob](registry))

		err := RegisterNamedSafely[*RecordingJob](registry, "other_name")
		require.EqualError(t, err, `type *delayq.RecordingJob is already registered as "delayq.RecordingJob"`)
	})

	t.Run("InterfaceType", func(t *testing.T) {
		t.Parallel()

		err := RegisterSafely[dqtype.Performer](NewRegistry())
		require.EqualError(t, err, "can't register interface type dqtype.Performer; register a concrete type")
	})

	t.Run("EmptyName", func(t *testing.T) {
		t.Parallel()

		err := RegisterNamedSafely[*RecordingJob](NewRegistry(), "")
		require.EqualError(t, err, "payload type name must not be empty")
	})

	t.Run("PanicsOnError", func(t *testing.T) {
		t.Parallel()

		registry := NewRegistry()
		Register[*RecordingJob](registry)

		require.PanicsWithError(t, `payload type "delayq.RecordingJob" is already registered`, func() {
			Register[*RecordingJob](registry)
		})
	})

	t.Run("MethodCallBuiltIn", func(t *testing.T) {
		t.Parallel()

		err := RegisterNamedSafely[*hookLoadedJob](NewRegistry(), "delayq.MethodCall")
		require.EqualError(t, err, `payload type "delayq.MethodCall" is already registered`)
	})
}

func TestRegistry_Name(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry()

	require.Equal(t, "delayq.RecordingJob", registry.Name(&RecordingJob{}))
	require.Equal(t, "delayq.StructJob", registry.Name(StructJob{}))
	require.Equal(t, "ErrorJob", registry.Name(&ErrorJob{}))
	require.Equal(t, "named job", registry.Name(&NamedJob{}))
	require.Equal(t, "*delayq.unregisteredJob", registry.Name(&unregisteredJob{}))
	require.Equal(t, "Story#Publish", registry.Name(&MethodCall{Method: "Publish", Receiver: InstanceReceiver("Story", "42")}))
}

func TestDefaultTypeName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "delayq.RecordingJob", defaultTypeName(reflect.TypeFor[*RecordingJob]()))
	require.Equal(t, "delayq.StructJob", defaultTypeName(reflect.TypeFor[StructJob]()))
	require.Equal(t, "dqtype.JobRow", defaultTypeName(reflect.TypeFor[*dqtype.JobRow]()))
}
