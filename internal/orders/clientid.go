package orders

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client order ids are structured so a fill notice alone tells the
// engine what the order was for: "te-24AUG-a3f7c2e9-E" is an entry,
// its bracket legs share the base and end in SL or TP. The venue caps
// ids at 36 characters.
const (
	clientIDPrefix      = "te"
	maxClientOrderIDLen = 36
	clientIDUniqueBytes = 4
	clientIDDateLayout  = "02Jan"
)

// OrderRole is the suffix identifying what an engine order does.
type OrderRole string

const (
	RoleEntry       OrderRole = "E"
	RoleStopLoss    OrderRole = "SL"
	RoleTakeProfit  OrderRole = "TP"
	RoleClose       OrderRole = "C"
	RoleConditional OrderRole = "CO"
)

// ErrInvalidClientOrderID marks ids that are not in the engine scheme.
var ErrInvalidClientOrderID = errors.New("invalid client order id")

func (r OrderRole) valid() bool {
	switch r {
	case RoleEntry, RoleStopLoss, RoleTakeProfit, RoleClose, RoleConditional:
		return true
	}
	return false
}

// NewClientOrderID generates a fresh structured id for the given role.
// The unique part is random, so ids need no shared counter across pods.
func NewClientOrderID(role OrderRole) string {
	if !role.valid() {
		role = RoleEntry
	}
	date := strings.ToUpper(time.Now().UTC().Format(clientIDDateLayout))
	return fmt.Sprintf("%s-%s-%s-%s", clientIDPrefix, date, shortUniqueID(), role)
}

// RelatedClientOrderID derives a sibling id that shares base with an
// existing id, used so bracket legs trace back to their entry.
func RelatedClientOrderID(base string, role OrderRole) (string, error) {
	if base == "" {
		return "", ErrInvalidClientOrderID
	}
	if !role.valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidClientOrderID, role)
	}
	id := fmt.Sprintf("%s-%s", base, role)
	if len(id) > maxClientOrderIDLen {
		return "", fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidClientOrderID, id, maxClientOrderIDLen)
	}
	return id, nil
}

// BaseClientOrderID strips the role suffix: bracket legs and their
// entry map to the same base.
func BaseClientOrderID(id string) (string, error) {
	if !IsEngineOrderID(id) {
		return "", ErrInvalidClientOrderID
	}
	i := strings.LastIndex(id, "-")
	return id[:i], nil
}

// ParseRole recovers the role suffix from a structured id. Foreign ids
// report false.
func ParseRole(id string) (OrderRole, bool) {
	if !IsEngineOrderID(id) {
		return "", false
	}
	role := OrderRole(id[strings.LastIndex(id, "-")+1:])
	return role, true
}

// IsEngineOrderID reports whether the id was minted by this engine,
// letting the stream consumer skip fills of manually placed orders.
func IsEngineOrderID(id string) bool {
	if len(id) > maxClientOrderIDLen {
		return false
	}
	parts := strings.Split(id, "-")
	if len(parts) != 4 || parts[0] != clientIDPrefix {
		return false
	}
	return OrderRole(parts[3]).valid()
}

func shortUniqueID() string {
	b := make([]byte, clientIDUniqueBytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}
	return hex.EncodeToString(b)
}
