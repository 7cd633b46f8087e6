package model

// UserStats are the counters kept per PR author
type UserStats struct {
	PRsCreated            int `json:"prs_created"`
	PRsMerged             int `json:"prs_merged"`
	TotalCommentsReceived int `json:"total_comments_received"`
	TotalReviewsReceived  int `json:"total_reviews_received"`
}

// ReviewStats are the counters kept per reviewer
type ReviewStats struct {
	ReviewsGiven  int `json:"reviews_given"`
	CommentsGiven int `json:"comments_given"`
}

// CommentStats are the counters kept per commenter
type CommentStats struct {
	CommentsGiven    int `json:"comments_given"`
	CommentsReceived int `json:"comments_received"`
}

// Analysis is the result for a single repository
type Analysis struct {
	Repository            string                   `json:"repository"`
	TotalPRs              int                      `json:"total_prs"`
	OpenPRs               int                      `json:"open_prs"`
	ClosedPRs             int                      `json:"closed_prs"`
	MergedPRs             int                      `json:"merged_prs"`
	PRDurations           []float64                `json:"pr_durations"`
	AvgPRDurationHours    float64                  `json:"avg_pr_duration_hours"`
	MedianPRDurationHours float64                  `json:"median_pr_duration_hours"`
	UserStats             map[string]*UserStats    `json:"user_stats"`
	ReviewStats           map[string]*ReviewStats  `json:"review_stats"`
	CommentStats          map[string]*CommentStats `json:"comment_stats"`
}

// NewAnalysis returns an empty analysis with initialized maps.
func NewAnalysis(repository string) *Analysis {
	return &Analysis{
		Repository:   repository,
		PRDurations:  []float64{},
		UserStats:    map[string]*UserStats{},
		ReviewStats:  map[string]*ReviewStats{},
		CommentStats: map[string]*CommentStats{},
	}
}

// OverallStats summarizes every analyzed repository
type OverallStats struct {
	TotalPRs           int     `json:"total_prs"`
	TotalOpenPRs       int     `json:"total_open_prs"`
	TotalMergedPRs     int     `json:"total_merged_prs"`
	TotalClosedPRs     int     `json:"total_closed_prs"`
	AvgPRDurationHours float64 `json:"avg_pr_duration_hours"`
	TotalReviews       int     `json:"total_reviews"`
	TotalComments      int     `json:"total_comments"`
}

// CombinedAnalysis is the cross-repository result
type CombinedAnalysis struct {
	TotalRepositories int                      `json:"total_repositories"`
	Repositories      map[string]*Analysis     `json:"repositories"`
	OverallStats      OverallStats             `json:"overall_stats"`
	UserStats         map[string]*UserStats    `json:"user_stats"`
	ReviewStats       map[string]*ReviewStats  `json:"review_stats"`
	CommentStats      map[string]*CommentStats `json:"comment_stats"`
}

// NewCombinedAnalysis returns an empty combined result for n repositories.
func NewCombinedAnalysis(n int) *CombinedAnalysis {
	return &CombinedAnalysis{
		TotalRepositories: n,
		Repositories:      map[string]*Analysis{},
		UserStats:         map[string]*UserStats{},
		ReviewStats:       map[string]*ReviewStats{},
		CommentStats:      map[string]*CommentStats{},
	}
}
