package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusForErrorCount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		count int
		want  SourceStatus
	}{
		{0, SourceStatusActive},
		{1, SourceStatusActive},
		{2, SourceStatusActive},
		{3, SourceStatusError},
		{9, SourceStatusError},
		{10, SourceStatusDead},
		{25, SourceStatusDead},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, StatusForErrorCount(tc.count), "count=%d", tc.count)
	}
}
