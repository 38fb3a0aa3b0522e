package builtin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metaflow/engine/internal/model"
)

type kv struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}

func scoreContent(t *testing.T) []byte {
	t.Helper()
	rows := []kv{
		{"class5|name1|subject1", 92},
		{"class5|name1|subject2", 85},
		{"class5|name1|subject3", 99},
		{"class5|name2|subject1", 67},
		{"class5|name2|subject2", 81},
		{"class5|name2|subject3", 75},
		{"class2|name1|subject1", 100},
		{"class2|name1|subject2", 98},
		{"class2|name1|subject3", 73},
	}
	data, err := json.Marshal(rows)
	require.NoError(t, err)
	return data
}

func settingJSON(t *testing.T, dims ...wantedEntry) string {
	t.Helper()
	setting := DimensionSplitSetting{DimensionSeparator: "|", WantedDimension: dims}
	data, err := json.Marshal(setting)
	require.NoError(t, err)
	return string(data)
}

func TestDimensionSplitByPersonYieldsThreeGroups(t *testing.T) {
	param := model.ConverterParameter{
		From: model.Instance{Content: scoreContent(t)},
		Cfg:  settingJSON(t, wantedEntry{Meta: "B:person/score_temp:1", Indices: []int{0, 1}}),
	}
	result := DimensionSplit(param)
	require.Equal(t, model.ResultInstances, result.Kind)
	require.Len(t, result.Instances, 3)
}

func TestDimensionSplitBySubjectYieldsSixGroups(t *testing.T) {
	param := model.ConverterParameter{
		From: model.Instance{Content: scoreContent(t)},
		Cfg:  settingJSON(t, wantedEntry{Meta: "B:subject/class_score_temp:1", Indices: []int{0, 2}}),
	}
	result := DimensionSplit(param)
	require.Equal(t, model.ResultInstances, result.Kind)
	require.Len(t, result.Instances, 6)
}

func TestDimensionSplitByBothDimensionsYieldsNineGroups(t *testing.T) {
	param := model.ConverterParameter{
		From: model.Instance{Content: scoreContent(t)},
		Cfg: settingJSON(t,
			wantedEntry{Meta: "B:person/score_temp:1", Indices: []int{0, 1}},
			wantedEntry{Meta: "B:subject/class_score_temp:1", Indices: []int{0, 2}},
		),
	}
	result := DimensionSplit(param)
	require.Equal(t, model.ResultInstances, result.Kind)
	require.Len(t, result.Instances, 9)
}

func TestDimensionSplitRejectsEmptyWantedDimension(t *testing.T) {
	param := model.ConverterParameter{
		From: model.Instance{Content: scoreContent(t)},
		Cfg:  settingJSON(t),
	}
	result := DimensionSplit(param)
	require.Equal(t, model.ResultLogicalError, result.Kind)
}

func TestDimensionSplitGroupContentCarriesRemainingKey(t *testing.T) {
	param := model.ConverterParameter{
		From: model.Instance{Content: scoreContent(t)},
		Cfg:  settingJSON(t, wantedEntry{Meta: "B:person/score_temp:1", Indices: []int{0, 1}}),
	}
	result := DimensionSplit(param)
	require.Equal(t, model.ResultInstances, result.Kind)

	var found bool
	for _, ins := range result.Instances {
		if ins.Para != "class5|name1" {
			continue
		}
		found = true
		var rows []dimensionRow
		require.NoError(t, json.Unmarshal(ins.Content, &rows))
		require.Len(t, rows, 3)
		keys := map[string]bool{}
		for _, r := range rows {
			keys[r.Key] = true
		}
		require.True(t, keys["subject1"])
		require.True(t, keys["subject2"])
		require.True(t, keys["subject3"])
	}
	require.True(t, found, "expected a class5|name1 group in the output")
}
