package api

// HTTPErr exposes the error-to-status mapping for black-box tests.
var HTTPErr = httpErr
