package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/settlepay/backbone/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userColumns = []string{"id", "name", "role", "balance_id", "economic_model", "credit_factor", "is_blocked", "password_hash", "create_timestamp"}

func setupAuthConfig() {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
}

func TestAuthService_Login(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	setupAuthConfig()
	service := NewAuthService(db, nil)

	hashed, err := hashPassword("password123")
	require.NoError(t, err)

	t.Run("successful login", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name, role, balance_id, economic_model, credit_factor, is_blocked, password_hash, create_timestamp FROM users").
			WithArgs("team-alpha").
			WillReturnRows(sqlmock.NewRows(userColumns).
				AddRow("u-1", "team-alpha", "team", "b-1", "crypto", 0, false, hashed, time.Now()))

		body, _ := json.Marshal(LoginRequest{Name: "team-alpha", Password: "password123"})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, "u-1", response.User.ID)
		assert.Equal(t, models.RoleTeam, response.User.Role)
	})

	t.Run("wrong password", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name, role").
			WithArgs("team-alpha").
			WillReturnRows(sqlmock.NewRows(userColumns).
				AddRow("u-1", "team-alpha", "team", "b-1", "crypto", 0, false, hashed, time.Now()))

		body, _ := json.Marshal(LoginRequest{Name: "team-alpha", Password: "not-the-password"})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("blocked account", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name, role").
			WithArgs("team-beta").
			WillReturnRows(sqlmock.NewRows(userColumns).
				AddRow("u-2", "team-beta", "team", "b-2", "fiat", 0, true, hashed, time.Now()))

		body, _ := json.Marshal(LoginRequest{Name: "team-beta", Password: "password123"})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("user not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name, role").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		body, _ := json.Marshal(LoginRequest{Name: "ghost", Password: "password123"})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("short password fails validation", func(t *testing.T) {
		body, _ := json.Marshal(LoginRequest{Name: "team-alpha", Password: "123"})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Contains(t, response.Details, "Password")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthService_Logout(t *testing.T) {
	setupAuthConfig()
	client, mock := redismock.NewClientMock()
	service := NewAuthService(nil, client)

	mock.ExpectSet("blacklist:abc.def.ghi", "1", 24*time.Hour).SetVal("OK")

	r := httptest.NewRequest("POST", "/auth/logout", nil)
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	w := httptest.NewRecorder()

	service.Logout(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthService_MerchantByToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuthService(db, nil)
	ctx := context.Background()

	t.Run("known token", func(t *testing.T) {
		mock.ExpectQuery("SELECT id FROM users").
			WithArgs(HashAPIToken("tok-1")).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m-1"))

		id, err := service.MerchantByToken(ctx, "tok-1")
		assert.NoError(t, err)
		assert.Equal(t, "m-1", id)
	})

	t.Run("unknown token", func(t *testing.T) {
		mock.ExpectQuery("SELECT id FROM users").
			WithArgs(HashAPIToken("tok-2")).
			WillReturnError(sql.ErrNoRows)

		_, err := service.MerchantByToken(ctx, "tok-2")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("empty token never hits the database", func(t *testing.T) {
		_, err := service.MerchantByToken(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPasswordHashing(t *testing.T) {
	setupAuthConfig()

	password := "testpassword"

	hashed, err := hashPassword(password)
	assert.NoError(t, err)
	assert.NotEmpty(t, hashed)

	assert.True(t, verifyPassword(password, hashed))
	assert.False(t, verifyPassword("wrongpassword", hashed))
	assert.False(t, verifyPassword(password, "no-separator"))
}

func TestGenerateJWT(t *testing.T) {
	setupAuthConfig()

	signed, err := GenerateJWT("u-42", models.RoleSupport)
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(*jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "u-42", claims["user_id"])
	assert.Equal(t, "support", claims["role"])
	assert.NotNil(t, claims["exp"])
}

func TestHashAPIToken(t *testing.T) {
	assert.Equal(t, HashAPIToken("x"), HashAPIToken("x"))
	assert.NotEqual(t, HashAPIToken("x"), HashAPIToken("y"))
	assert.Len(t, HashAPIToken("x"), 64)
}
