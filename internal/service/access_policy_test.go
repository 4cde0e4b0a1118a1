package service

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecideAccess(t *testing.T) {
	tests := []struct {
		name    string
		req     AccessRequest
		allowed bool
		reason  string
		status  int
	}{
		{
			name:    "unpublished hidden from regular user",
			req:     AccessRequest{UserID: 1, LecturePublished: false},
			allowed: false, reason: AccessReasonUnpublished, status: http.StatusNotFound,
		},
		{
			name:    "unpublished visible to staff asking for preview",
			req:     AccessRequest{UserID: 1, IsStaff: true, Preview: true, LecturePublished: false},
			allowed: true, reason: AccessReasonStaffPreview, status: http.StatusOK,
		},
		{
			name:    "unpublished hidden from staff without preview flag",
			req:     AccessRequest{UserID: 1, IsStaff: true, LecturePublished: false},
			allowed: false, reason: AccessReasonUnpublished, status: http.StatusNotFound,
		},
		{
			name:    "preview flag alone does not unlock for non-staff",
			req:     AccessRequest{UserID: 1, Preview: true, LecturePublished: false},
			allowed: false, reason: AccessReasonUnpublished, status: http.StatusNotFound,
		},
		{
			name:    "entitled user sees any published lecture",
			req:     AccessRequest{UserID: 1, Entitled: true, LecturePublished: true, LectureRank: 99, FreeLecturesCount: 2},
			allowed: true, reason: AccessReasonEntitled, status: http.StatusOK,
		},
		{
			name:    "superuser sees any published lecture",
			req:     AccessRequest{UserID: 1, IsSuperuser: true, LecturePublished: true, LectureRank: 99},
			allowed: true, reason: AccessReasonEntitled, status: http.StatusOK,
		},
		{
			name:    "free quota covers leading lectures",
			req:     AccessRequest{UserID: 1, LecturePublished: true, LectureRank: 2, FreeLecturesCount: 3},
			allowed: true, reason: AccessReasonFreeQuota, status: http.StatusOK,
		},
		{
			name:    "free quota boundary is inclusive",
			req:     AccessRequest{UserID: 1, LecturePublished: true, LectureRank: 3, FreeLecturesCount: 3},
			allowed: true, reason: AccessReasonFreeQuota, status: http.StatusOK,
		},
		{
			name:    "past free quota is locked",
			req:     AccessRequest{UserID: 1, LecturePublished: true, LectureRank: 4, FreeLecturesCount: 3},
			allowed: false, reason: AccessReasonPremiumLocked, status: http.StatusForbidden,
		},
		{
			name:    "anonymous past quota gets 401",
			req:     AccessRequest{UserID: 0, LecturePublished: true, LectureRank: 4, FreeLecturesCount: 3},
			allowed: false, reason: AccessReasonAnonymous, status: http.StatusUnauthorized,
		},
		{
			name:    "anonymous within quota allowed",
			req:     AccessRequest{UserID: 0, LecturePublished: true, LectureRank: 1, FreeLecturesCount: 1},
			allowed: true, reason: AccessReasonFreeQuota, status: http.StatusOK,
		},
		{
			name:    "entitlement does not override unpublished",
			req:     AccessRequest{UserID: 1, Entitled: true, LecturePublished: false},
			allowed: false, reason: AccessReasonUnpublished, status: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideAccess(tt.req)
			assert.Equal(t, tt.allowed, got.Allowed)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.status, got.Status)
		})
	}
}
