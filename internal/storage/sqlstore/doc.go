// Package sqlstore opens the relational database behind the plugin registry
// and the submission workflow. It hides driver differences (MySQL, SQLite,
// PostgreSQL), applies the embedded schema migrations and offers a small
// transaction helper shared by the repositories.
package sqlstore
