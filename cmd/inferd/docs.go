package main

// General API documentation for swaggo. Run swag against this package to
// regenerate docs.
//
// @title           inferd API
// @version         1.0
// @description     HTTP API for on-device LLM session management and generation.
//
// @contact.name   inferd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
