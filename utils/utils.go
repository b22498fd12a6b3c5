package utils

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func IsValidUUID(u string) bool {
	_, err := uuid.Parse(u)
	return err == nil
}

func IsObjectIDValid(objID string) bool {
	if len(objID) != 40 {
		return false
	}
	for i := 0; i < len(objID); i++ {
		c := objID[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	return true
}

// SeahubClaims are the claims of tokens exchanged with seahub.
type SeahubClaims struct {
	IsInternal bool `json:"is_internal"`
	jwt.RegisteredClaims
}

// GenSeahubJWTToken signs an internal token valid for 5 minutes.
func GenSeahubJWTToken(key string) (string, error) {
	claims := new(SeahubClaims)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Second * 300))
	claims.IsInternal = true

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(key))
	if err != nil {
		err := fmt.Errorf("failed to gen seahub jwt token: %w", err)
		return "", err
	}

	return tokenString, nil
}

// ValidateSeahubJWTToken checks the signature and expiry of a token signed by seahub.
func ValidateSeahubJWTToken(tokenString, key string) error {
	if key == "" {
		return errors.New("no jwt key configured")
	}
	claims := new(SeahubClaims)
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

// RepoClaims are the claims of tokens scoped to one repo.
type RepoClaims struct {
	RepoID   string `json:"repo_id"`
	UserName string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// GenRepoJWTToken signs a token for repoID valid until exp.
func GenRepoJWTToken(repoID, user, key string, exp time.Time) (string, error) {
	claims := new(RepoClaims)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.RepoID = repoID
	claims.UserName = user

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(key))
	if err != nil {
		err := fmt.Errorf("failed to gen jwt token for repo %s: %w", repoID, err)
		return "", err
	}

	return tokenString, nil
}
