// Package auth issues and validates controller bearer tokens.
//
// Devices authenticate against the identity backend and observers are
// anonymous, so the only JWTs the relay handles are the ones controllers
// present on POST /command when security.controller_auth is enabled.
//
// Tokens are HS256, issued by "wemos-relay" for audience "controller",
// and carry the controller's source name as the subject:
//
//	token, err := auth.GenerateControllerToken("scheduler", secret, time.Hour)
//
//	claims, err := auth.ParseControllerToken(token, secret)
//	source := claims.Source()
package auth
