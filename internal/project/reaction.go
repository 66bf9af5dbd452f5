package project

// Reaction is a user's vote on a refinement.
type Reaction string

const (
	ReactionLike    Reaction = "like"
	ReactionDislike Reaction = "dislike"
)

// Refinement returns a pointer into the section's history for in-place edits.
func (s *Section) Refinement(refinementID string) (*Refinement, error) {
	for i := range s.RefinementHistory {
		if s.RefinementHistory[i].ID == refinementID {
			return &s.RefinementHistory[i], nil
		}
	}
	return nil, ErrRefinementNotFound
}

// Toggle applies a reaction from userID. Repeating the same reaction withdraws it;
// reacting the other way moves the user across, so a user is never in both sets.
func (r *Refinement) Toggle(userID string, reaction Reaction) {
	same, other := &r.Likes, &r.Dislikes
	if reaction == ReactionDislike {
		same, other = &r.Dislikes, &r.Likes
	}
	if contains(*same, userID) {
		*same = without(*same, userID)
		return
	}
	*same = append(*same, userID)
	*other = without(*other, userID)
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func without(values []string, target string) []string {
	out := values[:0:0]
	for _, value := range values {
		if value != target {
			out = append(out, value)
		}
	}
	return out
}
