package wallet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const timeout = 15

// SetJWTSecret enables bearer-token authentication of every endpoint but the home page. Tokens must be HS256 signed
// with secret.
func (w *Wallet) SetJWTSecret(secret string) {
	w.jwtSecret = []byte(secret)
}

// Router returns the RESTful API of the wallet.
func (w *Wallet) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", w.homeHandler)

	api := r.NewRoute().Subrouter()
	api.Use(w.logRequests)
	if len(w.jwtSecret) > 0 {
		api.Use(w.requireToken)
	}
	api.HandleFunc("/coins", w.coinsHandler).Methods("GET")                               // configured coins
	api.HandleFunc("/address", w.addressHandler).Methods("POST")                          // generate an address
	api.HandleFunc("/withdraw", w.createWithdrawHandler).Methods("POST")                  // create a withdraw request
	api.HandleFunc("/withdraw/decision", w.decideHandler).Methods("POST")                 // approve or reject requests
	api.HandleFunc("/withdraw/{id}", w.withdrawHandler).Methods("GET")                    // get a withdraw request
	api.HandleFunc("/send", w.sendHandler).Methods("POST")                                // send from the hot wallet
	api.HandleFunc("/tx/failed", w.failHandler).Methods("POST")                           // mark transactions failed
	api.HandleFunc("/tx/{id}", w.txHandler).Methods("GET")                                // get transaction details
	api.HandleFunc("/tx/{id}/complete", w.completeHandler).Methods("POST")                // force complete
	api.HandleFunc("/tx/{id}/resend", w.resendHandler).Methods("POST")                    // request a manual resend
	api.HandleFunc("/notifications/resend", w.resendNotificationsHandler).Methods("POST") // replay failed notifications
	api.HandleFunc("/collect/{coin}", w.collectHandler).Methods("POST")                   // forward deposits to cold

	return r
}

// Init starts the http server servicing the RESTful API and blocks until Stop is called.
// A server that fails to listen returns its error at once.
func (w *Wallet) Init(endpoint, port string) error {
	s := &http.Server{
		Handler:      w.Router(),
		Addr:         endpoint + ":" + port,
		WriteTimeout: timeout * time.Second,
		ReadTimeout:  timeout * time.Second,
	}
	w.mu.Lock()
	w.s = s
	w.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		errc <- s.ListenAndServe()
	}()

	w.log.Infof("Listening to API http requests on %s:%s", endpoint, port)
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		// wait for Stop to drain the open connections
		<-w.sc
	case <-w.sc:
	}

	return nil
}

// Stop shuts down the http server.
func (w *Wallet) Stop(ctx context.Context) {
	w.mu.Lock()
	s := w.s
	w.mu.Unlock()
	if s != nil {
		if err := s.Shutdown(ctx); err != nil {
			w.log.WithError(err).Error("http server shutdown")
		}
	}
	w.stop.Do(func() { close(w.sc) })
}

func (w *Wallet) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(rw, r)
		w.log.WithFields(logrus.Fields{
			"remote": r.RemoteAddr,
			"method": r.Method,
			"uri":    r.RequestURI,
			"took":   time.Since(start),
		}).Debug("httpreq")
	})
}

func (w *Wallet) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if header == "" || raw == header || raw == "" {
			reply(rw, http.StatusUnauthorized, nil, ErrUnauthorized)
			return
		}

		_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return w.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "method": r.Method}).Warn("rejected token")
			reply(rw, http.StatusUnauthorized, nil, ErrUnauthorized)
			return
		}

		next.ServeHTTP(rw, r)
	})
}
