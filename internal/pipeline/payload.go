package pipeline

import (
	"encoding/json"

	"github.com/metaflow/engine/internal/model"
)

// StorePayload is the body of a Store-phase RawTask: one instance to
// verify, insert, plan, and fan out into Convert children.
type StorePayload struct {
	Instance model.Instance `json:"instance"`
}

// ConvertPayload is the body of a Convert-phase RawTask: one planned
// mission ready for dispatch.
type ConvertPayload struct {
	From      model.Instance  `json:"from"`
	LastState *model.Instance `json:"last_state,omitempty"`
	Mission   model.Mission   `json:"mission"`
}

// BatchSerialPayload groups sibling ConvertPayloads that resolve to
// the same stateful target identity; the batch-serial worker processes
// them one at a time, each sibling taking the previous sibling's output
// as its last state so state_version stays monotonic.
type BatchSerialPayload struct {
	Items []ConvertPayload `json:"items"`
}

// BatchParallelPayload groups the instances a single non-stateful
// conversion produced; each independently runs the Store phase.
type BatchParallelPayload struct {
	Instances []model.Instance `json:"instances"`
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("pipeline: payload must always marshal: " + err.Error())
	}
	return data
}

func decodeStore(data []byte) (StorePayload, error) {
	var p StorePayload
	err := json.Unmarshal(data, &p)
	return p, err
}

func decodeConvert(data []byte) (ConvertPayload, error) {
	var p ConvertPayload
	err := json.Unmarshal(data, &p)
	return p, err
}

func decodeBatchSerial(data []byte) (BatchSerialPayload, error) {
	var p BatchSerialPayload
	err := json.Unmarshal(data, &p)
	return p, err
}

func decodeBatchParallel(data []byte) (BatchParallelPayload, error) {
	var p BatchParallelPayload
	err := json.Unmarshal(data, &p)
	return p, err
}
