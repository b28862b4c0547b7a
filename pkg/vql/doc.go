/*
Package vql implements the VeriSimDB query language surface: a lexer and
recursive-descent parser producing a typed AST.

The grammar is closed. Statements are queries (SELECT over a hexad, a
store, or a federation glob) or mutations (INSERT/UPDATE/DELETE HEXAD),
optionally carrying PROOF obligations. The parser is pure; malformed input
fails with a parse error carrying a byte span and a hint, and unknown
tokens never succeed silently.
*/
package vql
