// Package auth issues and verifies the HS256 tokens used on the signaling
// connection and for relay-room admission.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/QuizVoice/internal/domain"
)

const (
	signalIssuer = "quizvoice-signal"
	relayIssuer  = "quizvoice-relay"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("token secret not configured")
)

// UserClaims identify the user of a signaling connection.
type UserClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// RelayClaims admit one identity to one relay room.
type RelayClaims struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSignalIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: signalIssuer, ttl: ttl, now: time.Now}
}

func NewRelayIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: relayIssuer, ttl: ttl, now: time.Now}
}

func (i *Issuer) registered(subject string) jwt.RegisteredClaims {
	now := i.now()
	return jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    i.issuer,
		Subject:   subject,
	}
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrNoSecret
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) UserToken(uid domain.UserID, username string) (string, error) {
	return i.sign(UserClaims{
		UserID:           string(uid),
		Username:         username,
		RegisteredClaims: i.registered(string(uid)),
	})
}

func (i *Issuer) RelayToken(identity domain.UserID, room domain.RoomID) (string, error) {
	return i.sign(RelayClaims{
		Identity:         string(identity),
		Room:             string(room),
		RegisteredClaims: i.registered(string(identity)),
	})
}

func (i *Issuer) parse(tokenStr string, claims jwt.Claims) error {
	if len(i.secret) == 0 {
		return ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (i *Issuer) ParseUser(tokenStr string) (*UserClaims, error) {
	var claims UserClaims
	if err := i.parse(tokenStr, &claims); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId", ErrInvalidToken)
	}
	return &claims, nil
}

func (i *Issuer) ParseRelay(tokenStr string) (*RelayClaims, error) {
	var claims RelayClaims
	if err := i.parse(tokenStr, &claims); err != nil {
		return nil, err
	}
	if claims.Identity == "" || claims.Room == "" {
		return nil, fmt.Errorf("%w: missing identity or room", ErrInvalidToken)
	}
	return &claims, nil
}
