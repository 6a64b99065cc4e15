// Package mocks contains gomock mocks of sipcore interfaces.
package mocks

//go:generate go tool mockgen -destination=transport.go -package=mocks github.com/ghettovoice/sipcore/transport Connection,Handler
//go:generate go tool mockgen -destination=transaction.go -package=mocks github.com/ghettovoice/sipcore/transaction User
