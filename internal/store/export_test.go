package store

var RequestFailures = requestFailures
