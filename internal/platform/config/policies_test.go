package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmodels "proz/internal/verification/models"
)

func TestPoliciesApplyOverrides(t *testing.T) {
	pc := Default().Policies
	pc.OTPLength = 8
	pc.OTPTTL = 2 * time.Minute
	pc.TokenMaxAttempts = 2
	pc.RevokeSiblingsOnConsume = true

	ps := pc.Policies()
	require.NoError(t, ps.Validate())

	phone := ps[vmodels.PurposePhoneVerification]
	assert.Equal(t, 8, phone.CodeLength)
	assert.Equal(t, 2*time.Minute, phone.TTL)
	assert.Equal(t, 3, phone.MaxAttempts)
	assert.True(t, phone.RevokeSiblingsOnConsume)

	reset := ps[vmodels.PurposePasswordResetToken]
	assert.Equal(t, time.Hour, reset.TTL)
	assert.Equal(t, 2, reset.MaxAttempts)
	assert.Equal(t, "/auth/password/reset", reset.LinkPath)

	assert.Equal(t, 10*time.Minute, ps[vmodels.PurposePasswordResetOTP].TTL)
	assert.Equal(t, 24*time.Hour, ps[vmodels.PurposeEmailVerification].TTL)
}

func TestDefaultPolicyConfigMatchesDefaults(t *testing.T) {
	assert.Equal(t, vmodels.DefaultPolicies(), Default().Policies.Policies())
}
