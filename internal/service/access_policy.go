package service

import (
	"context"
	"net/http"

	"learnhub/internal/models"
	"learnhub/internal/redisclient"
	"learnhub/internal/store"
	"learnhub/internal/util"

	"go.uber.org/zap"
)

// Access decision reasons.
const (
	AccessReasonUnpublished   = "unpublished"
	AccessReasonStaffPreview  = "staff_preview"
	AccessReasonEntitled      = "entitled"
	AccessReasonFreeQuota     = "free_quota"
	AccessReasonPremiumLocked = "premium_locked"
	AccessReasonAnonymous     = "anonymous"
)

// AccessRequest is everything the policy needs to decide one lecture view.
type AccessRequest struct {
	UserID      int64
	IsStaff     bool
	IsSuperuser bool
	Preview     bool
	Entitled    bool

	LecturePublished  bool
	LectureRank       int
	FreeLecturesCount int
}

// AccessDecision is the policy outcome plus the HTTP status it maps to.
type AccessDecision struct {
	Allowed bool
	Reason  string
	Status  int
}

// DecideAccess applies the lecture gating rules in order: unpublished
// content is invisible except to staff who explicitly ask for a preview,
// entitled users and superusers see everything, the first
// free_lectures_count published lectures are open to all, everything past
// that is locked.
func DecideAccess(req AccessRequest) AccessDecision {
	if !req.LecturePublished {
		if req.IsStaff && req.Preview {
			return AccessDecision{Allowed: true, Reason: AccessReasonStaffPreview, Status: http.StatusOK}
		}
		return AccessDecision{Allowed: false, Reason: AccessReasonUnpublished, Status: http.StatusNotFound}
	}

	if req.Entitled || req.IsSuperuser {
		return AccessDecision{Allowed: true, Reason: AccessReasonEntitled, Status: http.StatusOK}
	}

	if req.LectureRank <= req.FreeLecturesCount {
		return AccessDecision{Allowed: true, Reason: AccessReasonFreeQuota, Status: http.StatusOK}
	}

	if req.UserID == 0 {
		return AccessDecision{Allowed: false, Reason: AccessReasonAnonymous, Status: http.StatusUnauthorized}
	}
	return AccessDecision{Allowed: false, Reason: AccessReasonPremiumLocked, Status: http.StatusForbidden}
}

// AccessPolicy resolves lecture access against the catalog and the
// entitlement table, with a short-lived redis cache in front of the latter.
type AccessPolicy struct {
	store  *store.Store
	redis  *redisclient.Client
	logger *zap.Logger
}

func NewAccessPolicy(st *store.Store, redis *redisclient.Client) *AccessPolicy {
	return &AccessPolicy{store: st, redis: redis, logger: util.GetLogger()}
}

// Viewer identifies the requesting user. A zero UserID means anonymous.
// Preview carries the request's explicit ask to see unpublished content.
type Viewer struct {
	UserID      int64
	IsStaff     bool
	IsSuperuser bool
	Preview     bool
}

// CheckLecture decides whether the viewer may stream the lecture and
// returns the lecture and its course alongside the decision.
func (p *AccessPolicy) CheckLecture(ctx context.Context, viewer Viewer, lectureID int64) (*models.Lecture, *models.Course, AccessDecision, error) {
	q := p.store.DB()

	lecture, err := p.store.GetLectureByID(ctx, q, lectureID)
	if err != nil {
		return nil, nil, AccessDecision{}, err
	}
	section, err := p.store.GetSectionByID(ctx, q, lecture.SectionID)
	if err != nil {
		return nil, nil, AccessDecision{}, err
	}
	course, err := p.store.GetCourseByID(ctx, q, section.CourseID)
	if err != nil {
		return nil, nil, AccessDecision{}, err
	}

	rank, err := p.lectureRank(ctx, q, course.ID, lectureID, int64(section.Position), lecture.Position)
	if err != nil {
		return nil, nil, AccessDecision{}, err
	}

	entitled := false
	if viewer.UserID != 0 {
		entitled, err = p.entitled(ctx, viewer.UserID, course.ID)
		if err != nil {
			return nil, nil, AccessDecision{}, err
		}
	}

	published := lecture.IsPublished && course.IsPublished
	decision := DecideAccess(AccessRequest{
		UserID:            viewer.UserID,
		IsStaff:           viewer.IsStaff,
		IsSuperuser:       viewer.IsSuperuser,
		Preview:           viewer.Preview,
		Entitled:          entitled,
		LecturePublished:  published,
		LectureRank:       rank,
		FreeLecturesCount: course.FreeLecturesCount,
	})

	util.AccessDecisionsTotal.WithLabelValues(decision.Reason).Inc()
	p.logger.Info("Lecture access decision",
		zap.Int64("user_id", viewer.UserID),
		zap.Int64("course_id", course.ID),
		zap.Int("section_order", section.Position),
		zap.Int("lecture_order", lecture.Position),
		zap.String("reason", decision.Reason),
		zap.Int("status", decision.Status))

	return lecture, course, decision, nil
}

// lectureRank computes the lecture's 1-based position among the course's
// published lectures. Results are cached keyed by the course plan version,
// so a catalog invalidation orphans old entries without a delete.
func (p *AccessPolicy) lectureRank(ctx context.Context, q store.Queryer, courseID, lectureID, sectionPosition int64, lecturePosition int) (int, error) {
	var version int64
	if p.redis != nil {
		var err error
		version, err = p.redis.CourseVersion(ctx, courseID)
		if err != nil {
			p.logger.Warn("Course version lookup failed", zap.Error(err))
		} else if rank, ok, err := p.redis.CachedLectureRank(ctx, courseID, version, lectureID); err == nil && ok {
			return rank, nil
		}
	}

	rank, err := p.store.LectureRank(ctx, q, courseID, sectionPosition, lecturePosition)
	if err != nil {
		return 0, err
	}
	if p.redis != nil {
		if err := p.redis.CacheLectureRank(ctx, courseID, version, lectureID, rank); err != nil {
			p.logger.Warn("Rank cache write failed", zap.Error(err))
		}
	}
	return rank, nil
}

// InvalidateCourse bumps the course plan version after a catalog change,
// cutting off cached ranks computed against the old lecture layout. The CMS
// owns catalog writes and calls this through the admin API.
func (p *AccessPolicy) InvalidateCourse(ctx context.Context, courseID int64) error {
	if p.redis == nil {
		return nil
	}
	return p.redis.InvalidateCourse(ctx, courseID)
}

// entitled consults the cache first; a miss falls through to the table and
// primes the cache only on a positive answer, so revocations take effect
// within the TTL.
func (p *AccessPolicy) entitled(ctx context.Context, userID, courseID int64) (bool, error) {
	if p.redis != nil {
		cached, err := p.redis.HasCachedEntitlement(ctx, userID, courseID)
		if err != nil {
			p.logger.Warn("Entitlement cache lookup failed", zap.Error(err))
		} else if cached {
			return true, nil
		}
	}

	has, err := p.store.HasEntitlement(ctx, p.store.DB(), userID, courseID)
	if err != nil {
		return false, err
	}
	if has && p.redis != nil {
		if err := p.redis.CacheEntitlement(ctx, userID, courseID); err != nil {
			p.logger.Warn("Entitlement cache write failed", zap.Error(err))
		}
	}
	return has, nil
}
