package fanout

import "fmt"

func RoomTopic(roomID uint) string { return fmt.Sprintf("room:%d", roomID) }

// MemberTopic addresses one participant's connections to one room.
func MemberTopic(roomID, participantID uint) string {
	return fmt.Sprintf("room:%d:member:%d", roomID, participantID)
}

func ParticipantTopic(participantID uint) string {
	return fmt.Sprintf("participant:%d", participantID)
}

func CompanyTopic(companyID uint) string { return fmt.Sprintf("company:%d", companyID) }
