package predicate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/pipeline"
)

func testCandidate(payload string) pipeline.Candidate {
	return pipeline.Candidate{
		ID:        "opp-1",
		Category:  "dex-arb",
		Source:    "uniswap_v2",
		Payload:   []byte(payload),
		CreatedAt: time.Unix(1_700_000_000, 0),
	}
}

func TestScriptAcceptsOnThreshold(t *testing.T) {
	s, err := Compile("candidate.payload.spreadBps >= 10", 0, nil)
	require.NoError(t, err)

	ok, err := s.Accept(context.Background(), testCandidate(`{"spreadBps": 14}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Accept(context.Background(), testCandidate(`{"spreadBps": 4}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScriptSeesCandidateFields(t *testing.T) {
	s, err := Compile(`candidate.category === "dex-arb" && candidate.source === "uniswap_v2"`, 0, nil)
	require.NoError(t, err)

	ok, err := s.Accept(context.Background(), testCandidate(`{}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScriptNonJSONPayloadIsString(t *testing.T) {
	s, err := Compile(`typeof candidate.payload === "string"`, 0, nil)
	require.NoError(t, err)

	ok, err := s.Accept(context.Background(), testCandidate("raw-bytes"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompileRejectsBadSyntax(t *testing.T) {
	_, err := Compile("candidate.(", 0, nil)
	assert.Error(t, err)
}

func TestScriptRuntimeErrorSurfaces(t *testing.T) {
	s, err := Compile("candidate.payload.missing.deeper > 0", 0, nil)
	require.NoError(t, err)

	_, err = s.Accept(context.Background(), testCandidate(`{}`))
	assert.Error(t, err)
}

func TestScriptTimeoutInterrupts(t *testing.T) {
	s, err := Compile("while (true) {}", 50*time.Millisecond, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Accept(context.Background(), testCandidate(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSanitizedGlobalsUnavailable(t *testing.T) {
	s, err := Compile(`typeof require === "undefined" && typeof process === "undefined"`, 0, nil)
	require.NoError(t, err)

	ok, err := s.Accept(context.Background(), testCandidate(`{}`))
	require.NoError(t, err)
	assert.True(t, ok)
}
