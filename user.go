package portier

// UserData holds the attributes the RPC service reports for the current session.
type UserData struct {
	// Email is the verified address of the user.
	// nil when the service did not provide one.
	Email *string `json:"email"`
}

// EmailAddress returns the email and whether one was provided.
func (u UserData) EmailAddress() (string, bool) {
	if u.Email == nil {
		return "", false
	}
	return *u.Email, true
}
