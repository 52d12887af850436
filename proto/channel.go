package proto

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved protocol channels.
const (
	ChannelControl            = "rti/control"
	ChannelClients            = "rti/clients"
	ChannelClientConnect      = "rti/clientconnect"
	ChannelClientDisconnect   = "rti/clientdisconnect"
	ChannelChannels           = "rti/channels"
	ChannelMeasures           = "rti/measures"
	ChannelMeasurement        = "rti/measurement"
	ChannelMeasurementBundle  = "rti/measurementbundle"
	ChannelCommands           = "rti/commands"
	ChannelError              = "rti/error"
	ChannelHeartbeat          = "rti/heartbeat"
	ChannelProgress           = "rti/progress"
	ChannelValue              = "rti/value"
	SelfAddressedPrefix       = "@"
	federationPrefix          = "//"
	federationSeparator       = "/"
	federationReplacementChar = "_"
)

var ErrInvalidChannel = errors.New("invalid channel name")

// ValidateChannelName rejects names that cannot be subscribed to or published on.
func ValidateChannelName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidChannel)
	}
	if strings.HasPrefix(name, federationPrefix) {
		return fmt.Errorf("%w: %q already carries a federation prefix", ErrInvalidChannel, name)
	}
	return nil
}

// IsSelfAddressed reports whether the channel is addressed to a single client.
func IsSelfAddressed(name string) bool {
	return strings.HasPrefix(name, SelfAddressedPrefix)
}

// OwnChannelPrefix is the prefix of channels addressed to clientID.
func OwnChannelPrefix(clientID string) string {
	return SelfAddressedPrefix + clientID + ":"
}

// NormalizeFederation makes a federation name usable as a single path segment.
func NormalizeFederation(federation string) string {
	return strings.ReplaceAll(federation, federationSeparator, federationReplacementChar)
}

// Federate returns the wire name of a channel. Self-addressed channels are never prefixed.
func Federate(federation, name string) string {
	if federation == "" || IsSelfAddressed(name) {
		return name
	}
	return federationPrefix + federation + federationSeparator + name
}

// Localize strips the federation prefix added by Federate.
func Localize(federation, wire string) string {
	if federation == "" {
		return wire
	}
	return strings.TrimPrefix(wire, federationPrefix+federation+federationSeparator)
}
