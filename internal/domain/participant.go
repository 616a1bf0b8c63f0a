package domain

// Participant represents a user's standing in a room.
// No transport or lifecycle logic here.
type Participant struct {
	ID         UserID `json:"id"`
	Role       Role   `json:"role"`
	HandRaised bool   `json:"handRaised"`
	Host       bool   `json:"host"`
}

// NewParticipant avoids raw literals in coordinators; everyone starts as a listener.
func NewParticipant(id UserID) *Participant {
	return &Participant{ID: id, Role: RoleListener}
}

func (p *Participant) IsSpeaker() bool { return p.Role == RoleSpeaker }
