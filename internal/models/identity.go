package models

// ParticipantType classifies platform accounts that can appear in
// conversations and calls.
type ParticipantType string

const (
	ParticipantStudent  ParticipantType = "student"
	ParticipantTeacher  ParticipantType = "teacher"
	ParticipantEmployee ParticipantType = "employee"
	ParticipantCompany  ParticipantType = "company"
	ParticipantAdmin    ParticipantType = "admin"
)

// Identity is a stable, typed user reference independent of any connection.
// The auth service issues identities; this service only consumes them.
type Identity struct {
	UserID string          `json:"user_id"`
	Type   ParticipantType `json:"participant_type"`
}

// Valid reports whether the participant type is one this service knows.
func (t ParticipantType) Valid() bool {
	switch t {
	case ParticipantStudent, ParticipantTeacher, ParticipantEmployee, ParticipantCompany, ParticipantAdmin:
		return true
	}
	return false
}
