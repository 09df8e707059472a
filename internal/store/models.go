package store

// Participant is one registration for a training session.
type Participant struct {
	ID              int64   `db:"id" json:"id"`
	FullName        string  `db:"full_name" json:"full_name"`
	Email           string  `db:"email" json:"email"`
	Phone           *string `db:"phone" json:"phone"`
	Organization    *string `db:"organization" json:"organization"`
	JobTitle        *string `db:"job_title" json:"job_title"`
	ExperienceLevel *string `db:"experience_level" json:"experience_level"`
	TrainingSession string  `db:"training_session" json:"training_session"`
	Expectations    *string `db:"expectations" json:"expectations"`
	ReferralSource  *string `db:"referral_source" json:"referral_source"`
	CreatedAt       string  `db:"created_at" json:"created_at"`
}

type Feedback struct {
	ID                     int64   `db:"id" json:"id"`
	ParticipantName        string  `db:"participant_name" json:"participant_name"`
	ParticipantEmail       string  `db:"participant_email" json:"participant_email"`
	TrainingSession        string  `db:"training_session" json:"training_session"`
	OverallRating          int     `db:"overall_rating" json:"overall_rating"`
	ContentRating          int     `db:"content_rating" json:"content_rating"`
	InstructorRating       int     `db:"instructor_rating" json:"instructor_rating"`
	PaceRating             string  `db:"pace_rating" json:"pace_rating"`
	MostValuable           *string `db:"most_valuable" json:"most_valuable"`
	LeastValuable          *string `db:"least_valuable" json:"least_valuable"`
	ImprovementSuggestions *string `db:"improvement_suggestions" json:"improvement_suggestions"`
	WouldRecommend         string  `db:"would_recommend" json:"would_recommend"`
	AdditionalComments     *string `db:"additional_comments" json:"additional_comments"`
	CreatedAt              string  `db:"created_at" json:"created_at"`
}

// CertificateSummary is a certificate row without the PDF payload.
type CertificateSummary struct {
	ID              int64  `db:"id" json:"id"`
	CertificateID   string `db:"certificate_id" json:"certificate_id"`
	UserEmail       string `db:"user_email" json:"user_email"`
	UserName        string `db:"user_name" json:"user_name"`
	TrainingSession string `db:"training_session" json:"training_session"`
	CompletionDate  string `db:"completion_date" json:"completion_date"`
	InstructorName  string `db:"instructor_name" json:"instructor_name"`
	Filename        string `db:"filename" json:"filename"`
	DownloadCount   int    `db:"download_count" json:"download_count"`
	CreatedAt       string `db:"created_at" json:"created_at"`
}

type Certificate struct {
	CertificateSummary
	PDFBase64 string `db:"pdf_base64" json:"-"`
}

type Stats struct {
	TotalParticipants   int     `json:"totalParticipants"`
	TotalFeedbacks      int     `json:"totalFeedbacks"`
	AvgOverallRating    float64 `json:"avgOverallRating"`
	AvgContentRating    float64 `json:"avgContentRating"`
	AvgInstructorRating float64 `json:"avgInstructorRating"`
	RecommendPercentage int     `json:"recommendPercentage"`
}

type Funnel struct {
	SignIns       int `json:"signIns"`
	Registrations int `json:"registrations"`
	Feedbacks     int `json:"feedbacks"`
	Certificates  int `json:"certificates"`
}

// Event names recorded in the events table.
const (
	EventRegistered            = "registered"
	EventFeedbackSubmitted     = "feedback_submitted"
	EventCertificateGenerated  = "certificate_generated"
	EventCertificateDownloaded = "certificate_downloaded"
	EventVideoOpened           = "video_opened"
	EventGuideOpened           = "guide_opened"
)
