package server

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrBadResumeToken = errors.New("bad resume token")

const resumeTokenTTL = 24 * time.Hour

// resumeClaims bind a participant identity to one room, so a reconnecting
// client keeps its id across the gap instead of appearing as a stranger.
type resumeClaims struct {
	ParticipantID string `json:"pid"`
	RoomID        string `json:"rid"`
	jwt.RegisteredClaims
}

func issueResumeToken(secret, participantID, roomID string) (string, error) {
	claims := resumeClaims{
		ParticipantID: participantID,
		RoomID:        roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(resumeTokenTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// parseResumeToken returns the participant id the token carries, provided
// the signature checks out and the token was minted for this room.
func parseResumeToken(secret, token, roomID string) (string, error) {
	var claims resumeClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadResumeToken
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrBadResumeToken
	}
	if claims.RoomID != roomID || claims.ParticipantID == "" {
		return "", ErrBadResumeToken
	}
	return claims.ParticipantID, nil
}
