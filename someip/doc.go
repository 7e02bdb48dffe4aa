// Package someip implements a SOME/IP middleware runtime: wire codec,
// multi-interface reactor, Service Discovery state machine, request/response
// correlation, eventgroup subscription and TP segmentation/reassembly.
//
// The wire format targets bit-exact compatibility with AUTOSAR SOME/IP
// R20-11 (header, SD entries/options, TP segment header). Security
// extensions (SecOC, TLS), E2E protection and multi-hop routing are out of
// scope.
package someip
