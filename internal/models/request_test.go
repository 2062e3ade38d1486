package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequestDetails(t *testing.T) {
	tests := []struct {
		name    string
		reqType string
		raw     string
		want    RequestDetails
		wantErr bool
	}{
		{
			name:    "batch change",
			reqType: RequestTypeBatchChange,
			raw:     `{"new_batch":"EVENING","new_time_slot":"18:00-21:00"}`,
			want:    &BatchChangeDetails{NewBatch: "EVENING", NewTimeSlot: "18:00-21:00"},
		},
		{
			name:    "batch change with unknown batch",
			reqType: RequestTypeBatchChange,
			raw:     `{"new_batch":"NIGHT","new_time_slot":"22:00"}`,
			wantErr: true,
		},
		{
			name:    "batch change missing payload",
			reqType: RequestTypeBatchChange,
			raw:     ``,
			wantErr: true,
		},
		{
			name:    "penalty waiver",
			reqType: RequestTypePenaltyWaiver,
			raw:     `{"loan_id":42,"reason":"hospitalised"}`,
			want:    &PenaltyWaiverDetails{LoanID: 42, Reason: "hospitalised"},
		},
		{
			name:    "penalty waiver without loan",
			reqType: RequestTypePenaltyWaiver,
			raw:     `{}`,
			wantErr: true,
		},
		{
			name:    "membership",
			reqType: RequestTypeMembership,
			raw:     `{"full_name":"Asha Rao","email":"asha@example.com","phone":"9876543210","batch":"MORNING"}`,
			want:    &MembershipDetails{FullName: "Asha Rao", Email: "asha@example.com", Phone: "9876543210", Batch: "MORNING"},
		},
		{
			name:    "membership with bad email",
			reqType: RequestTypeMembership,
			raw:     `{"full_name":"Asha Rao","email":"nope","phone":"9876543210"}`,
			wantErr: true,
		},
		{
			name:    "other accepts null",
			reqType: RequestTypeOther,
			raw:     `null`,
			want:    &OtherDetails{},
		},
		{
			name:    "unknown fields rejected",
			reqType: RequestTypeSubscriptionExtension,
			raw:     `{"note":"x","extra":1}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			reqType: "TELEPORT",
			raw:     `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequestDetails(tt.reqType, json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reqType, got.RequestType())
		})
	}
}

func TestLoanIsOpen(t *testing.T) {
	assert.True(t, (&Loan{Status: LoanStatusIssued}).IsOpen())
	assert.True(t, (&Loan{Status: LoanStatusOverdue}).IsOpen())
	assert.False(t, (&Loan{Status: LoanStatusReturned}).IsOpen())
}
