package retention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streakerrors "github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/model"
)

func userWith(days map[string]int) *model.UserRecord {
	rec := model.NewUserRecord(4)
	for d, n := range days {
		rec.MessageHeatmap = append(rec.MessageHeatmap, model.HeatmapEntry{Date: d, Count: n})
	}
	return rec
}

func testUsers() model.UserTable {
	return model.UserTable{
		"u1": userWith(map[string]int{"2024-01-02": 3, "2024-02-10": 1}),
		"u2": userWith(map[string]int{"2024-01-05": 1}),
		"u3": userWith(map[string]int{"2024-02-01": 2}),
		"u4": userWith(map[string]int{"2024-01-03": 0}),
	}
}

func TestCompute_SingleRange(t *testing.T) {
	res, err := Compute(testUsers(), DateRange{Start: "2024-01-01", End: "2024-01-31"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ActiveA)
	assert.Equal(t, 2, res.Retained)
	assert.Equal(t, 100.0, res.RetentionRate)
	assert.Equal(t, []string{"u1", "u2"}, res.RetainedUsers)
}

func TestCompute_SingleRangeNobodyActive(t *testing.T) {
	res, err := Compute(testUsers(), DateRange{Start: "2023-01-01", End: "2023-01-31"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ActiveA)
	assert.Equal(t, 0.0, res.RetentionRate)
}

func TestCompute_TwoRanges(t *testing.T) {
	b := DateRange{Start: "2024-02-01", End: "2024-02-29"}
	res, err := Compute(testUsers(), DateRange{Start: "2024-01-01", End: "2024-01-31"}, &b)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ActiveA)
	assert.Equal(t, 2, res.ActiveB)
	assert.Equal(t, 1, res.Retained)
	assert.Equal(t, 50.0, res.RetentionRate)
	assert.Equal(t, []string{"u1"}, res.RetainedUsers)
}

func TestCompute_TwoRangesEmptyFirst(t *testing.T) {
	b := DateRange{Start: "2024-02-01", End: "2024-02-29"}
	res, err := Compute(testUsers(), DateRange{Start: "2023-01-01", End: "2023-01-31"}, &b)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.RetentionRate)
	assert.Empty(t, res.RetainedUsers)
}

func TestCompute_RoundsRate(t *testing.T) {
	users := model.UserTable{
		"a": userWith(map[string]int{"2024-01-01": 1, "2024-02-01": 1}),
		"b": userWith(map[string]int{"2024-01-01": 1}),
		"c": userWith(map[string]int{"2024-01-01": 1}),
	}
	b := DateRange{Start: "2024-02-01", End: "2024-02-01"}
	res, err := Compute(users, DateRange{Start: "2024-01-01", End: "2024-01-01"}, &b)
	require.NoError(t, err)
	assert.Equal(t, 33.33, res.RetentionRate)
}

func TestCompute_InvalidRanges(t *testing.T) {
	tests := []struct {
		name string
		a    DateRange
		b    *DateRange
	}{
		{"bad start", DateRange{Start: "01/01/2024", End: "2024-01-31"}, nil},
		{"start after end", DateRange{Start: "2024-02-01", End: "2024-01-01"}, nil},
		{"bad comparison", DateRange{Start: "2024-01-01", End: "2024-01-31"}, &DateRange{Start: "2024-02-30", End: "2024-03-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(testUsers(), tt.a, tt.b)
			require.Error(t, err)
			assert.Equal(t, streakerrors.ErrCodeValidation, streakerrors.GetCode(err))
		})
	}
}
