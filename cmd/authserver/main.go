package main

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-session/session/v3"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gorm.io/driver/postgres"

	"github.com/veridian-io/authserver/authorize"
	"github.com/veridian-io/authserver/ciba"
	"github.com/veridian-io/authserver/generates"
	"github.com/veridian-io/authserver/migrate"
	"github.com/veridian-io/authserver/server"
	"github.com/veridian-io/authserver/store"
)

func main() {
	cfg := server.GetConfig()

	if err := migrate.RunFromEnv(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	var db *gorm.DB
	if dsn := cfg.DBDSN(); dsn != "" {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
	}

	grantsPath := cfg.Store.GrantsPath
	if grantsPath == "" {
		grantsPath = ":memory:"
	}
	sessionsPath := cfg.Store.SessionsPath
	if sessionsPath == "" {
		sessionsPath = ":memory:"
	}

	grants, err := store.NewGrantStore(grantsPath, 14*24*time.Hour)
	if err != nil {
		log.Fatalf("open grant store: %v", err)
	}
	sessions, err := store.NewSessionStore(sessionsPath, 24*time.Hour)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	backchannel, err := store.NewBackchannelStore(":memory:")
	if err != nil {
		log.Fatalf("open backchannel store: %v", err)
	}

	keyPEM, key, err := loadSigningKey(cfg.Signing.KeyPath)
	if err != nil {
		log.Fatalf("signing key: %v", err)
	}
	kid := cfg.Signing.KeyID
	if kid == "" {
		kid = "authd-rs256"
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "http://localhost" + cfg.Listen
	}

	srvCfg := server.NewConfig()
	srvCfg.Issuer = issuer
	if cfg.FAPI {
		srvCfg.FAPIMode = true
		srvCfg.ForcePKCE = true
	}

	var clients server.ClientRegistry
	var users *store.UserStore
	if db != nil {
		clients = store.NewDBClientStore(db)
		users = store.NewUserStore(db)
	} else {
		clients = store.NewClientStore()
		log.Println("no database configured, using in-memory client store")
	}

	srv := server.NewServer(srvCfg, clients, grants)
	srv.Sessions = sessions
	srv.Backchannel = backchannel
	if db != nil {
		srv.Authorizations = store.NewAuthorizationStore(db)
	}

	srv.AccessGenerate = generates.NewJWTAccessGenerate(issuer, kid, keyPEM, jwt.SigningMethodRS256)
	srv.IDTokenGenerate = &generates.IDTokenGenerate{
		Issuer:       issuer,
		Lifetime:     srvCfg.IDTokenLifetime,
		SignedKeyID:  kid,
		SignedKey:    keyPEM,
		SignedMethod: jwt.SigningMethodRS256,
	}
	srv.RequestObjects = &authorize.Resolver{
		DecryptionKey: func(string) (crypto.PrivateKey, error) {
			return key, nil
		},
		FAPIMode:                   srvCfg.FAPIMode,
		RequestURIHashVerification: srvCfg.RequestURIHashVerification,
	}
	srv.Notifier = ciba.NewNotifier(10 * time.Second)
	srv.Audit = &server.Audit{Logger: slog.New(slog.NewJSONHandler(os.Stdout, nil))}

	srv.UserAuthorizationHandler = userAuthorizeHandler
	if users != nil {
		srv.PasswordAuthorizationHandler = func(ctx context.Context, clientID, username, password string) (string, error) {
			u, err := users.Authenticate(ctx, username, password)
			if err != nil {
				return "", err
			}
			return u.ID, nil
		}
		srv.BackchannelUserResolver = func(ctx context.Context, loginHint, loginHintToken, idTokenHint string) (string, error) {
			u, err := users.GetByUsername(ctx, loginHint)
			if err != nil {
				return "", err
			}
			return u.ID, nil
		}
	}

	r := server.NewGinEngine(srv)
	registerUIRoutes(r, srv, users)

	log.Printf("authorization server listening on %s (issuer %s)", cfg.Listen, issuer)
	if err := http.ListenAndServe(cfg.Listen, r); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

// loadSigningKey reads an RSA private key in PEM form. When path is empty a
// fresh key is generated, so tokens do not survive a restart.
func loadSigningKey(path string) ([]byte, *rsa.PrivateKey, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, nil, fmt.Errorf("no PEM block in %s", path)
		}
		if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return data, key, nil
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse key %s: %w", path, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("key %s is not RSA", path)
		}
		return data, key, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	log.Println("no signing key configured, generated an ephemeral RSA key")
	return data, key, nil
}

// userAuthorizeHandler resolves the logged-in user from the web session. When
// nobody is logged in it stashes the authorize form and redirects to /login.
func userAuthorizeHandler(w http.ResponseWriter, r *http.Request) (string, error) {
	st, err := session.Start(r.Context(), w, r)
	if err != nil {
		return "", err
	}

	uid, ok := st.Get("LoggedInUserID")
	if !ok {
		if r.Form == nil {
			_ = r.ParseForm()
		}
		st.Set("ReturnUri", r.Form)
		_ = st.Save()

		target := "/login"
		if hint := r.Form.Get("login_hint"); hint != "" {
			target += "?login_hint=" + url.QueryEscape(hint)
		}
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusFound)
		return "", nil
	}
	return uid.(string), nil
}
