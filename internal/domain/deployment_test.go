package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusProgressionIsMonotonic(t *testing.T) {
	order := []DeploymentStatus{
		DeploymentPending,
		DeploymentPreflight,
		DeploymentCheckout,
		DeploymentBuild,
		DeploymentDeploy,
		DeploymentPostDeploy,
		DeploymentFinalizing,
	}

	for i, from := range order {
		for j, to := range order {
			got := from.CanTransition(to)
			assert.Equal(t, j > i, got, "transition %s -> %s", from, to)
		}
	}
}

func TestStatusCanSkipStages(t *testing.T) {
	assert.True(t, DeploymentCheckout.CanTransition(DeploymentDeploy),
		"a pipeline without build steps goes straight to deploy")
}

func TestTerminalStatusesAcceptNoTransitions(t *testing.T) {
	for _, terminal := range []DeploymentStatus{DeploymentSucceeded, DeploymentFailed, DeploymentCancelled} {
		assert.True(t, terminal.IsTerminal())
		assert.False(t, terminal.CanTransition(DeploymentCancelled), "%s -> cancelled", terminal)
		assert.False(t, terminal.CanTransition(DeploymentPending), "%s -> pending", terminal)
	}
}

func TestCancelReachableFromAnyLiveStatus(t *testing.T) {
	for _, live := range []DeploymentStatus{
		DeploymentPending,
		DeploymentPreflight,
		DeploymentCheckout,
		DeploymentBuild,
		DeploymentDeploy,
		DeploymentPostDeploy,
		DeploymentFinalizing,
	} {
		assert.True(t, live.CanTransition(DeploymentCancelled), "%s -> cancelled", live)
	}
}

func TestTranscriptRefIsStablePerDeployment(t *testing.T) {
	assert.Equal(t, "capstan:transcript:dep-1", TranscriptRef("dep-1"))
}
