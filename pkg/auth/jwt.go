package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential 凭证缺失、过期或校验失败
var ErrInvalidCredential = errors.New("invalid credential")

// Verifier 身份校验器：握手时把凭证换成服务端可信的用户身份
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret     string
	ExpireTime time.Duration
}

// JWTVerifier 基于HS256 JWT的身份校验器
// 本地校验不会阻塞，ctx参数是为远程校验器实现预留的
type JWTVerifier struct {
	config *JWTConfig
}

// NewJWTVerifier 创建JWT校验器
func NewJWTVerifier(config *JWTConfig) *JWTVerifier {
	return &JWTVerifier{config: config}
}

// Verify 校验凭证并返回其中的用户身份（sub claim）
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrInvalidCredential
	}

	claims, err := parseToken(credential, v.config.Secret)
	if err != nil {
		return "", ErrInvalidCredential
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidCredential
	}

	return sub, nil
}

// parseToken 解析 JWT token 并返回 claims
func parseToken(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// 校验签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// GenerateToken 为指定身份签发 token
func GenerateToken(identity string, config *JWTConfig) (string, error) {
	expire := config.ExpireTime
	if expire <= 0 {
		expire = time.Hour
	}

	claims := jwt.MapClaims{
		"sub": identity,
		"exp": time.Now().Add(expire).Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.Secret))
}
