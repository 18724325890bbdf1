package proto

import (
	"strings"

	"github.com/google/uuid"
)

// roomNamespace scopes room addresses so they never collide with other name-based UUIDs.
var roomNamespace = uuid.MustParse("6f1c9a52-4be0-5d3a-9c1e-2a7d0c84b3f1")

// RoomAddress derives the stable address of a room from its name.
// Every client asking for the same name reaches the same actor.
func RoomAddress(name string) string {
	return uuid.NewSHA1(roomNamespace, []byte(strings.TrimSpace(name))).String()
}
