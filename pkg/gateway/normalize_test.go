package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/sniper/pkg/core"
)

func TestNormalize_Aliases(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want Result
	}{
		{
			name: "canonical",
			body: map[string]any{"task_id": "t1", "status": "sent"},
			want: Result{TaskID: "t1", Status: "SENT"},
		},
		{
			name: "camel case",
			body: map[string]any{"taskId": "t1", "finalStatus": "ALREADY_PENDING", "errorMessage": "n/a"},
			want: Result{TaskID: "t1", Status: "ALREADY_PENDING", Message: "n/a"},
		},
		{
			name: "profile instead of task",
			body: map[string]any{"linkedinUrl": "https://www.linkedin.com/in/ann", "outcome": "failed", "reason": "no button"},
			want: Result{ProfileURL: "https://www.linkedin.com/in/ann", Status: "FAILED", Message: "no button"},
		},
		{
			name: "numeric id",
			body: map[string]any{"id": float64(42), "result": "sent"},
			want: Result{TaskID: "42", Status: "SENT"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.body)
			require.NoError(t, err)
			got.Output = nil
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_NestedOutput(t *testing.T) {
	got, err := Normalize(map[string]any{
		"task_id": "t1",
		"output":  `{"status":"ALREADY_CONNECTED","message":"1st degree"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "ALREADY_CONNECTED", got.Status)
	assert.Equal(t, "1st degree", got.Message)
	assert.Equal(t, "1st degree", got.Output["message"])

	got, err = Normalize(map[string]any{
		"output": map[string]any{"itemId": "t2", "status": "AUTH_REQUIRED"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t2", got.TaskID)
	assert.Equal(t, "AUTH_REQUIRED", got.Status)
}

func TestNormalize_TopLevelWins(t *testing.T) {
	got, err := Normalize(map[string]any{
		"task_id": "t1",
		"status":  "failed",
		"output":  map[string]any{"status": "SENT"},
	})
	require.NoError(t, err)
	assert.Equal(t, "FAILED", got.Status)
}

func TestNormalize_Rejects(t *testing.T) {
	bodies := []map[string]any{
		{},
		{"status": "SENT"},
		{"task_id": "t1"},
		{"task_id": "t1", "output": "not json"},
		{"task_id": map[string]any{"nested": true}, "status": "SENT"},
	}
	for _, b := range bodies {
		_, err := Normalize(b)
		assert.ErrorIs(t, err, core.ErrInvalidInput, "%v", b)
	}
}

func TestItemStatusFor(t *testing.T) {
	assert.Equal(t, core.ItemSucceededVerified, ItemStatusFor("SENT"))
	assert.Equal(t, core.ItemSucceededVerified, ItemStatusFor(" sent "))
	assert.Equal(t, core.ItemSucceededAlreadyPending, ItemStatusFor("ALREADY_PENDING"))
	assert.Equal(t, core.ItemSucceededAlreadyConnected, ItemStatusFor("ALREADY_CONNECTED"))
	assert.Equal(t, core.ItemAuthRequired, ItemStatusFor("AUTH_REQUIRED"))
	assert.Equal(t, core.ItemFailed, ItemStatusFor("CAPTCHA"))
	assert.Equal(t, core.ItemFailed, ItemStatusFor(""))
}
