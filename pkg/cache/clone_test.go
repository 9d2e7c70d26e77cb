package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepCopy(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		got, err := deepCopy(nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("scalars", func(t *testing.T) {
		for _, v := range []interface{}{42, "text", 3.14, true, int64(-1)} {
			got, err := deepCopy(v)
			require.NoError(t, err)
			assert.Equal(t, v, got)
		}
	})

	t.Run("nested maps and slices", func(t *testing.T) {
		src := map[string]interface{}{
			"rows": []interface{}{
				map[string]interface{}{"id": 1, "tags": []string{"a", "b"}},
			},
			"count": 1,
		}

		got, err := deepCopy(src)
		require.NoError(t, err)
		require.Equal(t, src, got)

		dst := got.(map[string]interface{})
		dst["count"] = 2
		row := dst["rows"].([]interface{})[0].(map[string]interface{})
		row["id"] = 99
		row["tags"].([]string)[0] = "z"

		assert.Equal(t, 1, src["count"])
		srcRow := src["rows"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, 1, srcRow["id"])
		assert.Equal(t, []string{"a", "b"}, srcRow["tags"])
	})

	t.Run("byte slices", func(t *testing.T) {
		src := []byte("blob")
		got, err := deepCopy(src)
		require.NoError(t, err)

		dst := got.([]byte)
		dst[0] = 'X'
		assert.Equal(t, []byte("blob"), src)
	})

	t.Run("arrays of pointers", func(t *testing.T) {
		n := 5
		src := [2]*int{&n, nil}
		got, err := deepCopy(src)
		require.NoError(t, err)

		dst := got.([2]*int)
		*dst[0] = 6
		assert.Equal(t, 5, n)
		assert.Nil(t, dst[1])
	})

	t.Run("nil containers stay nil", func(t *testing.T) {
		type holder struct {
			M map[string]int
			S []int
			P *int
			I interface{}
		}
		got, err := deepCopy(holder{})
		require.NoError(t, err)
		assert.Equal(t, holder{}, got)
	})

	t.Run("unexported value fields copied", func(t *testing.T) {
		type row struct {
			ID    int
			label string
			at    time.Time
		}
		at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
		got, err := deepCopy(row{ID: 1, label: "x", at: at})
		require.NoError(t, err)
		assert.Equal(t, row{ID: 1, label: "x", at: at}, got)
	})

	t.Run("time values", func(t *testing.T) {
		at := time.Now()
		got, err := deepCopy(map[string]interface{}{"at": at})
		require.NoError(t, err)
		assert.Equal(t, at, got.(map[string]interface{})["at"])
	})
}

type hiddenRows struct {
	ID   int
	rows []string
}

func TestDeepCopy_NotCopyable(t *testing.T) {
	type node struct {
		Value int
		Next  *node
	}
	cyclic := &node{Value: 1}
	cyclic.Next = cyclic

	tests := []struct {
		name string
		src  interface{}
	}{
		{"func", func() {}},
		{"chan", make(chan int)},
		{"func in map", map[string]interface{}{"f": func() {}}},
		{"chan in struct", struct{ C chan int }{C: make(chan int)}},
		{"pointer cycle", cyclic},
		{"unexported slice", hiddenRows{ID: 1, rows: []string{"orig"}}},
		{"unexported map", struct{ m map[string]int }{m: map[string]int{}}},
		{"unexported pointer", struct{ p *int }{}},
		{"unexported interface", struct{ v interface{} }{}},
		{"unexported struct holding slice", struct{ inner struct{ s []int } }{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := deepCopy(tt.src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotCopyable))
		})
	}
}
