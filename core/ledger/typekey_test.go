package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	require.Equal(t, TypeKey{Name: "order_placed", Version: 3}, Key("order_placed", 3))
	require.Equal(t, TypeKey{Name: "order_placed", Version: 1}, Key("order_placed", 0))
	require.Equal(t, TypeKey{Name: "order_placed", Version: 1}, Key("order_placed", -1))
}

func TestParseTypeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    TypeKey
		wantErr bool
	}{
		{in: "order_placed@v1", want: Key("order_placed", 1)},
		{in: "order_placed@v12", want: Key("order_placed", 12)},
		{in: "order_placed", wantErr: true},
		{in: "@v1", wantErr: true},
		{in: "order_placed@v", wantErr: true},
		{in: "order_placed@v0", wantErr: true},
		{in: "order_placed@vx", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTypeKey(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.in, got.String())
		})
	}
}

func TestTypeFilter_Match(t *testing.T) {
	placed := Key("order_placed", 1)
	shipped := Key("order_shipped", 1)

	t.Run("empty filter matches everything", func(t *testing.T) {
		var f TypeFilter
		require.True(t, f.IsEmpty())
		require.True(t, f.Match(placed))
		require.True(t, f.Match(shipped))
	})

	t.Run("non-empty filter matches listed keys only", func(t *testing.T) {
		f := TypeFilter{placed}
		require.False(t, f.IsEmpty())
		require.True(t, f.Match(placed))
		require.False(t, f.Match(shipped))
		// same name, different schema version
		require.False(t, f.Match(Key("order_placed", 2)))
	})

	t.Run("strings is nil for the empty filter", func(t *testing.T) {
		require.Nil(t, TypeFilter{}.Strings())
		require.Equal(t, []string{"order_placed@v1", "order_shipped@v1"}, TypeFilter{placed, shipped}.Strings())
	})
}
