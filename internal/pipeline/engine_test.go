package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metaflow/engine/internal/model"
)

func TestNewRawTaskIsDeterministicForSameInputs(t *testing.T) {
	a := newRawTask(model.Store, "order|1|", StorePayload{Instance: model.Instance{Meta: "order", ID: 1}})
	b := newRawTask(model.Store, "order|1|", StorePayload{Instance: model.Instance{Meta: "order", ID: 1}})

	require.Equal(t, a.TaskID, b.TaskID)
	require.Equal(t, a.Data, b.Data)
}

func TestNewRawTaskDiffersByTaskType(t *testing.T) {
	payload := StorePayload{Instance: model.Instance{Meta: "order", ID: 1}}
	store := newRawTask(model.Store, "order|1|", payload)
	convert := newRawTask(model.Convert, "order|1|", payload)

	require.NotEqual(t, store.TaskID, convert.TaskID)
}

func TestNewRawTaskDiffersByKey(t *testing.T) {
	payload := StorePayload{Instance: model.Instance{Meta: "order", ID: 1}}
	a := newRawTask(model.Store, "order|1|", payload)
	b := newRawTask(model.Store, "order|2|", payload)

	require.NotEqual(t, a.TaskID, b.TaskID)
}

func TestNewRawTaskDiffersByPayload(t *testing.T) {
	a := newRawTask(model.Store, "order|1|", StorePayload{Instance: model.Instance{Meta: "order", ID: 1}})
	b := newRawTask(model.Store, "order|1|", StorePayload{Instance: model.Instance{Meta: "order", ID: 1, Para: "region-a"}})

	require.NotEqual(t, a.TaskID, b.TaskID)
}

func TestInFlightTracksStartAndFinish(t *testing.T) {
	f := newInFlight()
	require.Equal(t, 0, f.count())

	f.start("t1")
	f.start("t2")
	require.Equal(t, 2, f.count())

	f.finish("t1")
	require.Equal(t, 1, f.count())

	f.finish("t2")
	require.Equal(t, 0, f.count())
}
