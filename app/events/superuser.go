package events

import "strconv"

// SuperUsers is a list of user names or ids trusted as admins in every group
type SuperUsers []string

// IsSuper checks if the user is in the superuser list, by name or id
func (s SuperUsers) IsSuper(userName string, userID int64) bool {
	for _, super := range s {
		if super == userName || super == "/"+userName {
			return true
		}
		if super == strconv.FormatInt(userID, 10) {
			return true
		}
	}
	return false
}
