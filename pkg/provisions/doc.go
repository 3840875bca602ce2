// Package provisions contains the builtin rule units shipped with the ACS:
// first-contact registration, periodic inform, status refresh and wireless
// settings. Units pick their parameter paths from the device data model, so
// one unit serves both InternetGatewayDevice and Device:2 trees.
package provisions
